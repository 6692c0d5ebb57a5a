// Package recipient loads delivery lists and records per-recipient outcomes.
package recipient

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/bissquit/mail-courier/internal/domain"
)

// Store errors.
var (
	ErrNoRecipients     = errors.New("recipient: no pending recipients")
	ErrMissingEmailCol  = errors.New("recipient: source has no email column")
	ErrRecipientUnknown = errors.New("recipient: unknown recipient")
)

// Store provides the recipient list and accepts delivery outcomes. Load
// returns only recipients still pending, so an interrupted run can resume
// without re-sending.
type Store interface {
	Load(ctx context.Context) ([]domain.Recipient, error)
	UpdateStatus(ctx context.Context, recipient domain.Recipient, status domain.RecipientStatus) error
}

var titleCaser = cases.Title(language.Und)

// DeriveName builds a display name from the local part of an address when the
// source row carries none: "jane.doe@example.com" becomes "Jane Doe".
func DeriveName(address string) string {
	local, _, ok := strings.Cut(address, "@")
	if !ok || local == "" {
		return ""
	}
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	for i, p := range parts {
		parts[i] = titleCaser.String(p)
	}
	return strings.Join(parts, " ")
}
