package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bissquit/mail-courier/internal/domain"
)

func TestPersonalizer_Render(t *testing.T) {
	p := NewPersonalizer(Template{
		Subject: "Hello {{name}}",
		Body:    "Hi {{ name }}, your {{plan}} plan at {{company}} is active. Reply to {{email}}.",
	})

	msg := p.Render(domain.Recipient{
		Address: "jane@example.com",
		Name:    "Jane",
		Fields: map[string]string{
			"plan":    "pro",
			"company": "Acme",
		},
	})

	assert.Equal(t, "Hello Jane", msg.Subject)
	assert.Equal(t, "Hi Jane, your pro plan at Acme is active. Reply to jane@example.com.", msg.Body)
}

func TestPersonalizer_UnresolvedPlaceholderStays(t *testing.T) {
	p := NewPersonalizer(Template{Body: "Your code is {{discount_code}}"})

	msg := p.Render(domain.Recipient{Address: "jane@example.com"})

	assert.Equal(t, "Your code is {{discount_code}}", msg.Body)
}

func TestPersonalizer_CarriesTemplateShape(t *testing.T) {
	p := NewPersonalizer(Template{
		Subject:     "s",
		Body:        "<p>b</p>",
		HTML:        true,
		Attachments: []string{"/tmp/report.pdf"},
	})

	msg := p.Render(domain.Recipient{Address: "jane@example.com"})

	assert.True(t, msg.HTML)
	assert.Equal(t, []string{"/tmp/report.pdf"}, msg.Attachments)
}

func TestPersonalizer_Placeholders(t *testing.T) {
	p := NewPersonalizer(Template{
		Subject: "{{name}} - {{company}}",
		Body:    "{{name}} {{plan}}",
	})

	assert.Equal(t, []string{"name", "company", "plan"}, p.Placeholders())
}
