package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Refresh this long before expiry so in-flight requests never carry a token
// about to lapse.
const refreshSkew = 60 * time.Second

// RefreshError carries the upstream status of a rejected refresh so the
// proxy can translate it into 502 semantics.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh rejected with status %d", e.StatusCode)
}

// IsRefreshRejected reports whether err is an upstream refresh rejection.
func IsRefreshRejected(err error) bool {
	var re *RefreshError
	return errors.As(err, &re)
}

// Refresher resolves fresh access tokens for OAuth credentials. Concurrent
// callers for the same domain observe a single upstream refresh: the
// singleflight group keyed by domain makes losers wait for the winner's
// token.
type Refresher struct {
	store      *Store
	tokenURL   string
	httpClient *http.Client
	group      singleflight.Group
}

func NewRefresher(store *Store, tokenURL string) *Refresher {
	return &Refresher{
		store:    store,
		tokenURL: tokenURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// EnsureFresh returns the credential with a usable token. API-key
// credentials pass through untouched. OAuth credentials are refreshed when
// within the expiry skew.
func (r *Refresher) EnsureFresh(ctx context.Context, domain string) (*Credential, error) {
	domain = normalizeDomain(domain)

	cred, err := r.store.Lookup(domain)
	if err != nil {
		return nil, err
	}
	if !cred.IsOAuth() || !cred.ExpiresWithin(refreshSkew) {
		return cred, nil
	}

	v, err, _ := r.group.Do(domain, func() (any, error) {
		// Re-check under the flight: a loser that queued behind the winner
		// sees the refreshed credential here and returns without a second
		// upstream call.
		current, err := r.store.Lookup(domain)
		if err != nil {
			return nil, err
		}
		if !current.ExpiresWithin(refreshSkew) {
			return current, nil
		}
		return r.refresh(ctx, domain, current)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (r *Refresher) refresh(ctx context.Context, domain string, cred *Credential) (*Credential, error) {
	if cred.OAuth.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRefreshToken, domain)
	}

	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cred.OAuth.RefreshToken,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Warn().Str("domain", domain).Int("status", resp.StatusCode).Msg("token refresh rejected")
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tokenResp struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresIn    int      `json:"expires_in"`
		Scopes       []string `json:"scopes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	// Preserve non-OAuth fields; only the token set changes.
	updated := *cred
	oauth := *cred.OAuth
	oauth.AccessToken = tokenResp.AccessToken
	if tokenResp.RefreshToken != "" {
		oauth.RefreshToken = tokenResp.RefreshToken
	}
	if len(tokenResp.Scopes) > 0 {
		oauth.Scopes = tokenResp.Scopes
	}
	oauth.ExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli()
	updated.OAuth = &oauth

	if err := r.store.save(domain, &updated); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	log.Info().Str("domain", domain).Time("expires_at", time.UnixMilli(oauth.ExpiresAt)).Msg("oauth token refreshed")
	return &updated, nil
}
