package handler

import (
	"github.com/tidwall/gjson"

	"nexusproxy/internal/conversation"
)

// Classify buckets a request body by shape. Only inference requests join
// conversations; the rest are persisted with a null conversation_id.
func Classify(body []byte) string {
	root := gjson.ParseBytes(body)

	msgs := root.Get("messages")
	if msgs.IsArray() && len(msgs.Array()) > 0 {
		if root.Get("max_tokens").Exists() {
			return conversation.TypeInference
		}
		return conversation.TypeQueryEvaluation
	}

	if !root.Get("model").Exists() {
		return conversation.TypeQuota
	}
	return conversation.TypeOther
}
