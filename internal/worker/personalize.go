package worker

import (
	"html"
	"strings"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

// Personalize fills the recipient placeholders in s. A missing name falls
// back to "there" so greetings still read naturally.
func Personalize(s string, r core.Recipient) string {
	return replacer(r, func(v string) string { return v }).Replace(s)
}

// PersonalizeHTML is Personalize for an HTML body: recipient values are
// escaped, the template itself is not.
func PersonalizeHTML(s string, r core.Recipient) string {
	return replacer(r, html.EscapeString).Replace(s)
}

func replacer(r core.Recipient, esc func(string) string) *strings.Replacer {
	name := strings.TrimSpace(r.Name)
	first := name
	if i := strings.IndexByte(name, ' '); i > 0 {
		first = name[:i]
	}
	if name == "" {
		name, first = "there", "there"
	}
	return strings.NewReplacer(
		"{{name}}", esc(name),
		"{{first_name}}", esc(first),
		"{{email}}", esc(r.Email),
		"{{company}}", esc(r.Company),
	)
}
