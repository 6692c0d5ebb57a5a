// Package compose renders personalized messages from a shared template.
package compose

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/bissquit/mail-courier/internal/domain"
)

// Template is the message blueprint for a run. Subject and body may contain
// {{field}} placeholders resolved per recipient.
type Template struct {
	Subject     string
	Body        string
	HTML        bool
	Attachments []string
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_-]+)\s*\}\}`)

// Personalizer substitutes recipient fields into the template. The name and
// email placeholders are always available; everything else comes from the
// recipient's source columns. Unresolved placeholders are left in place so
// broken templates are visible, not silently blanked.
type Personalizer struct {
	template Template
}

// NewPersonalizer creates a personalizer for the template.
func NewPersonalizer(template Template) *Personalizer {
	return &Personalizer{template: template}
}

// Render produces the message for one recipient.
func (p *Personalizer) Render(rec domain.Recipient) domain.Message {
	return domain.Message{
		Subject:     p.substitute(p.template.Subject, rec),
		Body:        p.substitute(p.template.Body, rec),
		HTML:        p.template.HTML,
		Attachments: p.template.Attachments,
	}
}

func (p *Personalizer) substitute(text string, rec domain.Recipient) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.ToLower(placeholderRe.FindStringSubmatch(match)[1])

		switch key {
		case "name":
			return rec.Name
		case "email":
			return rec.Address
		}
		if v, ok := rec.Fields[key]; ok {
			return v
		}

		slog.Debug("unresolved template placeholder", "placeholder", key, "recipient", rec.Address)
		return match
	})
}

// Placeholders lists the distinct placeholder names used by the template, in
// order of first appearance.
func (p *Personalizer) Placeholders() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, text := range []string{p.template.Subject, p.template.Body} {
		for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
			key := strings.ToLower(m[1])
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			names = append(names, key)
		}
	}
	return names
}
