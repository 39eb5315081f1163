package truncate

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

const (
	// TruncatedMarker replaces the removed middle of a conversation.
	TruncatedMarker = "[...conversation truncated...]"
	// ContentMarker replaces the removed middle of a single oversized message.
	ContentMarker = "[CONTENT TRUNCATED]"
)

// Turn is one message of an assembled conversation transcript.
type Turn struct {
	Role    string
	Content string
}

// Config holds the truncation knobs.
type Config struct {
	HeadMessages     int
	TailMessages     int
	MaxMessageTokens int
	FirstTokens      int
	LastTokens       int
}

// Truncator counts tokens with a tiktoken codec and cuts conversations down
// to a token budget. The codec only approximates the analysis model's
// tokenizer, so budgets are applied with 5% headroom.
type Truncator struct {
	codec tokenizer.Codec
	cfg   Config
}

func New(cfg Config) (*Truncator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	if cfg.HeadMessages <= 0 {
		cfg.HeadMessages = 10
	}
	if cfg.TailMessages <= 0 {
		cfg.TailMessages = 30
	}
	if cfg.MaxMessageTokens <= 0 {
		cfg.MaxMessageTokens = 8192
	}
	if cfg.FirstTokens <= 0 {
		cfg.FirstTokens = 1000
	}
	if cfg.LastTokens <= 0 {
		cfg.LastTokens = 1000
	}
	return &Truncator{codec: codec, cfg: cfg}, nil
}

// CountTokens returns the token count of s.
func (t *Truncator) CountTokens(s string) int {
	ids, _, err := t.codec.Encode(s)
	if err != nil {
		// Roughly 4 chars per token for English text.
		return len(s) / 4
	}
	return len(ids)
}

// CountTurns returns the token count of a whole transcript including roles.
func (t *Truncator) CountTurns(turns []Turn) int {
	total := 0
	for _, turn := range turns {
		total += t.CountTokens(turn.Role) + t.CountTokens(turn.Content) + 4
	}
	return total
}

// TruncateConversation cuts a transcript down so its token count fits budget.
// The first HeadMessages and last TailMessages turns are kept verbatim and
// the middle is replaced with a single marker turn. Oversized single turns
// are truncated in place around a content marker. If head+tail still exceed
// the budget, the tail is shrunk before the head.
func (t *Truncator) TruncateConversation(turns []Turn, budget int) []Turn {
	if len(turns) == 0 || budget <= 0 {
		return nil
	}
	// Headroom against tokenizer drift between this codec and the model.
	effective := budget * 95 / 100
	if effective < 1 {
		effective = 1
	}

	capped := make([]Turn, len(turns))
	for i, turn := range turns {
		capped[i] = t.capTurn(turn)
	}

	if t.CountTurns(capped) <= effective {
		return capped
	}

	head, tail := t.cfg.HeadMessages, t.cfg.TailMessages
	for {
		out := t.assemble(capped, head, tail)
		if t.CountTurns(out) <= effective {
			return out
		}
		if tail > 0 {
			tail--
			continue
		}
		if head > 0 {
			head--
			continue
		}
		// Nothing left but the marker; cut it to the budget as a last resort.
		marker := Turn{Role: "system", Content: TruncatedMarker}
		if t.CountTurns([]Turn{marker}) <= effective {
			return []Turn{marker}
		}
		return nil
	}
}

// capTurn truncates a single turn in place when it exceeds MaxMessageTokens,
// preserving the start and end of the content symmetrically.
func (t *Truncator) capTurn(turn Turn) Turn {
	if t.CountTokens(turn.Content) <= t.cfg.MaxMessageTokens {
		return turn
	}
	ids, _, err := t.codec.Encode(turn.Content)
	if err != nil {
		// Fall back to a character cut at roughly 4 chars per token.
		first := t.cfg.FirstTokens * 4
		last := t.cfg.LastTokens * 4
		if first+last >= len(turn.Content) {
			return turn
		}
		turn.Content = turn.Content[:first] + "\n" + ContentMarker + "\n" + turn.Content[len(turn.Content)-last:]
		return turn
	}
	first, last := t.cfg.FirstTokens, t.cfg.LastTokens
	if first+last >= len(ids) {
		return turn
	}
	headText, err1 := t.codec.Decode(ids[:first])
	tailText, err2 := t.codec.Decode(ids[len(ids)-last:])
	if err1 != nil || err2 != nil {
		return turn
	}
	turn.Content = headText + "\n" + ContentMarker + "\n" + tailText
	return turn
}

func (t *Truncator) assemble(turns []Turn, head, tail int) []Turn {
	if head+tail >= len(turns) {
		return turns
	}
	out := make([]Turn, 0, head+tail+1)
	out = append(out, turns[:head]...)
	out = append(out, Turn{Role: "system", Content: TruncatedMarker})
	out = append(out, turns[len(turns)-tail:]...)
	return out
}

// Format renders a transcript as the prompt text handed to the analysis
// model.
func Format(turns []Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(strings.ToUpper(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}
