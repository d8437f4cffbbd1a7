package utils

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer strips markup from server-originated message bodies before they
// reach the reconciler. A nil *Sanitizer passes bodies through unchanged.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *Sanitizer) Body(body string) string {
	if s == nil || body == "" {
		return body
	}
	// bodies are shown as text, so undo the entity escaping of the policy
	return html.UnescapeString(s.policy.Sanitize(body))
}
