package recipient

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/mail-courier/internal/domain"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipients.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCSVStore_Load(t *testing.T) {
	path := writeCSV(t, strings.Join([]string{
		"email,name,company",
		"jane@example.com,Jane,Acme",
		"bob.smith@example.com,,Globex",
		"",
	}, "\n"))
	store := NewCSVStore(path)

	recipients, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, recipients, 2)

	assert.Equal(t, "jane@example.com", recipients[0].Address)
	assert.Equal(t, "Jane", recipients[0].Name)
	assert.Equal(t, "Acme", recipients[0].Fields["company"])
	assert.Equal(t, domain.RecipientStatusPending, recipients[0].Status)

	// Missing name falls back to the address local part.
	assert.Equal(t, "Bob Smith", recipients[1].Name)
}

func TestCSVStore_LoadSkipsAlreadySent(t *testing.T) {
	path := writeCSV(t, strings.Join([]string{
		"email,status",
		"done@example.com,sent",
		"todo@example.com,",
		"",
	}, "\n"))
	store := NewCSVStore(path)

	recipients, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "todo@example.com", recipients[0].Address)
}

func TestCSVStore_LoadErrors(t *testing.T) {
	t.Run("missing email column", func(t *testing.T) {
		path := writeCSV(t, "name,company\nJane,Acme\n")
		_, err := NewCSVStore(path).Load(context.Background())
		assert.ErrorIs(t, err, ErrMissingEmailCol)
	})

	t.Run("everything already sent", func(t *testing.T) {
		path := writeCSV(t, "email,status\ndone@example.com,sent\n")
		_, err := NewCSVStore(path).Load(context.Background())
		assert.ErrorIs(t, err, ErrNoRecipients)
	})

	t.Run("file missing", func(t *testing.T) {
		_, err := NewCSVStore("/nonexistent.csv").Load(context.Background())
		assert.Error(t, err)
	})
}

func TestCSVStore_UpdateStatusWritesBack(t *testing.T) {
	path := writeCSV(t, strings.Join([]string{
		"email,name",
		"jane@example.com,Jane",
		"bob@example.com,Bob",
		"",
	}, "\n"))
	store := NewCSVStore(path)

	recipients, err := store.Load(context.Background())
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(context.Background(), recipients[0], domain.RecipientStatusSent))
	require.NoError(t, store.UpdateStatus(context.Background(), recipients[1], domain.RecipientStatusError))

	// A fresh store sees the persisted statuses: jane is done, bob retries.
	reread, err := NewCSVStore(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, reread, 1)
	assert.Equal(t, "bob@example.com", reread[0].Address)
	assert.Equal(t, "error", reread[0].Fields["status"])
}

func TestCSVStore_UpdateStatusUnknownRecipient(t *testing.T) {
	path := writeCSV(t, "email\njane@example.com\n")
	store := NewCSVStore(path)

	_, err := store.Load(context.Background())
	require.NoError(t, err)

	err = store.UpdateStatus(context.Background(),
		domain.Recipient{Address: "stranger@example.com"}, domain.RecipientStatusSent)
	assert.ErrorIs(t, err, ErrRecipientUnknown)
}

func TestDeriveName(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"jane.doe@example.com", "Jane Doe"},
		{"bob_smith@example.com", "Bob Smith"},
		{"carol-anne+news@example.com", "Carol Anne News"},
		{"single@example.com", "Single"},
		{"not-an-address", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveName(tt.address), tt.address)
	}
}
