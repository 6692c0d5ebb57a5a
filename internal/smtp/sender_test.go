package smtp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/mail-courier/internal/dispatch"
	"github.com/bissquit/mail-courier/internal/domain"
)

func testProfile() domain.SenderProfile {
	return domain.SenderProfile{
		ID:          "main",
		Host:        "smtp.example.com",
		Port:        587,
		FromAddress: "Courier <courier@example.com>",
	}
}

func testTask(msg domain.Message) *domain.Task {
	return domain.NewTask(
		domain.Recipient{Address: "jane@example.com", Name: "Jane"},
		msg,
		3, 1,
	)
}

func TestBuildMessage_Plain(t *testing.T) {
	task := testTask(domain.Message{Subject: "Welcome", Body: "hello there"})

	raw, err := buildMessage(testProfile(), task)
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "From: Courier <courier@example.com>\r\n")
	assert.Contains(t, msg, `To: "Jane" <jane@example.com>`)
	assert.Contains(t, msg, "Subject: Welcome\r\n")
	assert.Contains(t, msg, `Content-Type: text/plain; charset="utf-8"`)
	assert.Contains(t, msg, "\r\n\r\nhello there")
}

func TestBuildMessage_HTML(t *testing.T) {
	task := testTask(domain.Message{Subject: "Welcome", Body: "<b>hi</b>", HTML: true})

	raw, err := buildMessage(testProfile(), task)
	require.NoError(t, err)

	assert.Contains(t, string(raw), `Content-Type: text/html; charset="utf-8"`)
}

func TestBuildMessage_Attachments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,c\n1,2,3\n"), 0o600))

	task := testTask(domain.Message{
		Subject:     "Report",
		Body:        "see attached",
		Attachments: []string{path},
	})

	raw, err := buildMessage(testProfile(), task)
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "Content-Type: multipart/mixed; boundary=")
	assert.Contains(t, msg, `attachment; filename="report.csv"`)
	assert.Contains(t, msg, "Content-Transfer-Encoding: base64")
	assert.Contains(t, msg, "see attached")
}

func TestBuildMessage_MissingAttachment(t *testing.T) {
	task := testTask(domain.Message{
		Subject:     "Report",
		Attachments: []string{"/nonexistent/report.csv"},
	})

	_, err := buildMessage(testProfile(), task)
	assert.Error(t, err)
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain@example.com", "plain@example.com"},
		{"Name <boxed@example.com>", "boxed@example.com"},
		{"Broken <unclosed@example.com", "Broken <unclosed@example.com"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, extractEmail(tt.in))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"service unavailable", errors.New("421 service not available"), true},
		{"mailbox busy", errors.New("450 mailbox unavailable"), true},
		{"mailbox full", errors.New("552 exceeded storage allocation"), true},
		{"no such user", errors.New("550 no such user here"), false},
		{"user not local", errors.New("551 user not local"), false},
		{"mailbox name invalid", errors.New("553 mailbox name not allowed"), false},
		{"unknown", errors.New("something odd happened"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classify(tt.err)
			require.Error(t, classified)

			var re *dispatch.RetryableError
			require.ErrorAs(t, classified, &re)
			assert.Equal(t, tt.retryable, re.IsRetryable())
		})
	}
}

func TestClassify_NilError(t *testing.T) {
	assert.NoError(t, classify(nil))
}
