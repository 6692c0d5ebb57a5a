//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/mail-courier/internal/batch"
	"github.com/bissquit/mail-courier/internal/compose"
	"github.com/bissquit/mail-courier/internal/dispatch"
	"github.com/bissquit/mail-courier/internal/domain"
	"github.com/bissquit/mail-courier/internal/recipient"
	"github.com/bissquit/mail-courier/internal/smtp"
)

func mailpitProfile(id, from string) domain.SenderProfile {
	return domain.SenderProfile{
		ID:          id,
		Host:        mailpitContainer.SMTPHost,
		Port:        mailpitContainer.SMTPPort,
		FromAddress: from,
	}
}

func TestSMTPSender_DeliversMessage(t *testing.T) {
	require.NoError(t, mailpitClient.DeleteAllMessages())

	profile := mailpitProfile("primary", "Courier <courier@example.com>")
	task := domain.NewTask(
		domain.Recipient{Address: "alice@example.com", Name: "Alice"},
		domain.Message{Subject: "Welcome", Body: "Hello Alice"},
		3, 1,
	)

	sender := smtp.NewSender(smtp.DefaultConfig())
	require.NoError(t, sender.Send(context.Background(), profile, task))

	messages, err := mailpitClient.WaitForMessages(1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	assert.Equal(t, "Welcome", messages[0].Subject)
	assert.Equal(t, "courier@example.com", messages[0].From.Address)
	require.Len(t, messages[0].To, 1)
	assert.Equal(t, "alice@example.com", messages[0].To[0].Address)

	full, err := mailpitClient.GetMessageByID(messages[0].ID)
	require.NoError(t, err)
	assert.Contains(t, full.Text, "Hello Alice")
}

func TestSMTPSender_DeliversAttachment(t *testing.T) {
	require.NoError(t, mailpitClient.DeleteAllMessages())

	path := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o600))

	profile := mailpitProfile("primary", "courier@example.com")
	task := domain.NewTask(
		domain.Recipient{Address: "bob@example.com", Name: "Bob"},
		domain.Message{Subject: "Report", Body: "Attached.", Attachments: []string{path}},
		3, 1,
	)

	sender := smtp.NewSender(smtp.DefaultConfig())
	require.NoError(t, sender.Send(context.Background(), profile, task))

	messages, err := mailpitClient.WaitForMessages(1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Report", messages[0].Subject)
}

// TestDriver_QueuedRunEndToEnd exercises the whole pipeline against real
// collaborators: a CSV recipient source, the dispatch layer with two sender
// profiles and real SMTP delivery into Mailpit.
func TestDriver_QueuedRunEndToEnd(t *testing.T) {
	require.NoError(t, mailpitClient.DeleteAllMessages())
	ctx := context.Background()

	csvPath := filepath.Join(t.TempDir(), "recipients.csv")
	data := "email,name,company\n" +
		"alice@example.com,Alice,Acme\n" +
		"bob@example.com,Bob,Globex\n" +
		"carol@example.com,,Initech\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(data), 0o600))

	store := recipient.NewCSVStore(csvPath)
	personalizer := compose.NewPersonalizer(compose.Template{
		Subject: "Hello {{name}}",
		Body:    "Hi {{name}}, greetings from {{company}}.",
	})

	senders := []domain.SenderProfile{
		mailpitProfile("primary", "first@example.com"),
		mailpitProfile("secondary", "second@example.com"),
	}

	limiter := dispatch.NewRateLimiter(senders, 0)
	failures := dispatch.NewFailureTracker(dispatch.DefaultFailureConfig())

	schedConfig := dispatch.DefaultSchedulerConfig()
	schedConfig.EnableRebalancing = false
	scheduler, err := dispatch.NewScheduler(senders, schedConfig, limiter, failures)
	require.NoError(t, err)

	sender := smtp.NewSender(smtp.DefaultConfig())
	pool := dispatch.NewPool(scheduler, limiter, failures, sender, store)
	retrier := dispatch.NewRetryOrchestrator(dispatch.DefaultRetryConfig(), limiter, failures, sender)

	driver, err := batch.NewDriver(
		batch.Config{
			Mode:               batch.ModeQueued,
			BatchSize:          2,
			InterBatchInterval: 10 * time.Millisecond,
			MaxAttemptsPerTask: 3,
		},
		senders, store, personalizer, scheduler, limiter, pool, retrier,
	)
	require.NoError(t, err)

	summary, err := driver.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Sent)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)

	messages, err := mailpitClient.WaitForMessages(3, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	found, err := mailpitClient.SearchByRecipient("alice@example.com")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Hello Alice", found[0].Subject)

	full, err := mailpitClient.GetMessageByID(found[0].ID)
	require.NoError(t, err)
	assert.Contains(t, full.Text, "greetings from Acme")

	// The name column was empty for carol, so her name was derived from the
	// address.
	found, err = mailpitClient.SearchByRecipient("carol@example.com")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Hello Carol", found[0].Subject)

	// Every delivery was written back to the CSV, so a fresh load finds
	// nothing left to send.
	_, err = recipient.NewCSVStore(csvPath).Load(ctx)
	assert.ErrorIs(t, err, recipient.ErrNoRecipients)
}

// TestDriver_DirectRunEndToEnd covers the retry-and-fallback sending mode
// against the same real collaborators.
func TestDriver_DirectRunEndToEnd(t *testing.T) {
	require.NoError(t, mailpitClient.DeleteAllMessages())
	ctx := context.Background()

	csvPath := filepath.Join(t.TempDir(), "recipients.csv")
	data := "email,name\n" +
		"dave@example.com,Dave\n" +
		"erin@example.com,Erin\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(data), 0o600))

	store := recipient.NewCSVStore(csvPath)
	personalizer := compose.NewPersonalizer(compose.Template{
		Subject: "Direct hello",
		Body:    "Hi {{name}}.",
	})

	senders := []domain.SenderProfile{
		mailpitProfile("primary", "first@example.com"),
	}

	limiter := dispatch.NewRateLimiter(senders, 0)
	failures := dispatch.NewFailureTracker(dispatch.DefaultFailureConfig())
	scheduler, err := dispatch.NewScheduler(senders, dispatch.DefaultSchedulerConfig(), limiter, failures)
	require.NoError(t, err)

	sender := smtp.NewSender(smtp.DefaultConfig())
	pool := dispatch.NewPool(scheduler, limiter, failures, sender, store)

	retryConfig := dispatch.DefaultRetryConfig()
	retryConfig.RetryDelay = 10 * time.Millisecond
	retrier := dispatch.NewRetryOrchestrator(retryConfig, limiter, failures, sender)

	driver, err := batch.NewDriver(
		batch.Config{Mode: batch.ModeDirect, BatchSize: 10, MaxAttemptsPerTask: 3},
		senders, store, personalizer, scheduler, limiter, pool, retrier,
	)
	require.NoError(t, err)

	summary, err := driver.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Sent)

	messages, err := mailpitClient.WaitForMessages(2, 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}
