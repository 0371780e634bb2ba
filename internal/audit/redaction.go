package audit

import (
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Redactor replaces known secret values with [REDACTED:NAME] placeholders
// before anything is persisted or logged.
type Redactor struct {
	values       []string          // longest first, so overlapping secrets redact fully
	replacements map[string]string // secret value -> placeholder
}

// NewRedactor builds a Redactor from name -> value pairs, such as the server
// token and vendor API keys. Empty values are ignored. Both the raw and the
// URL-encoded form of each value are replaced.
func NewRedactor(secrets map[string]string) *Redactor {
	r := &Redactor{replacements: make(map[string]string)}
	for name, value := range secrets {
		if value == "" {
			continue
		}
		if len(value) < 4 {
			log.Warn().Str("secret", name).Msg("secret shorter than 4 characters; false-positive redaction risk")
		}
		r.replacements[value] = "[REDACTED:" + name + "]"
		if encoded := url.QueryEscape(value); encoded != value {
			r.replacements[encoded] = "[REDACTED:" + name + ":urlencoded]"
		}
	}
	for v := range r.replacements {
		r.values = append(r.values, v)
	}
	sort.Slice(r.values, func(i, j int) bool {
		if len(r.values[i]) != len(r.values[j]) {
			return len(r.values[i]) > len(r.values[j])
		}
		return r.values[i] < r.values[j]
	})
	return r
}

// Redact returns input with every known secret replaced. A nil Redactor
// returns input unchanged.
func (r *Redactor) Redact(input string) string {
	if r == nil || len(r.values) == 0 {
		return input
	}
	for _, v := range r.values {
		input = strings.ReplaceAll(input, v, r.replacements[v])
	}
	return input
}
