package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/mail-courier/internal/compose"
	"github.com/bissquit/mail-courier/internal/dispatch"
	"github.com/bissquit/mail-courier/internal/domain"
)

type memStore struct {
	mu         sync.Mutex
	recipients []domain.Recipient
	loadErr    error
	statuses   map[string]domain.RecipientStatus
}

func newMemStore(recipients ...domain.Recipient) *memStore {
	return &memStore{
		recipients: recipients,
		statuses:   make(map[string]domain.RecipientStatus),
	}
}

func (s *memStore) Load(context.Context) ([]domain.Recipient, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.recipients, nil
}

func (s *memStore) UpdateStatus(_ context.Context, rec domain.Recipient, status domain.RecipientStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[rec.Address] = status
	return nil
}

func (s *memStore) status(address string) domain.RecipientStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[address]
}

type scriptedSender struct {
	mu       sync.Mutex
	subjects []string
	script   func(senderID string, task *domain.Task) error
}

func (f *scriptedSender) Send(_ context.Context, profile domain.SenderProfile, task *domain.Task) error {
	f.mu.Lock()
	f.subjects = append(f.subjects, task.Message.Subject)
	f.mu.Unlock()
	if f.script != nil {
		return f.script(profile.ID, task)
	}
	return nil
}

type rig struct {
	driver *Driver
	store  *memStore
	sender *scriptedSender
}

func newRig(t *testing.T, config Config, globalLimit int, recipients ...domain.Recipient) *rig {
	t.Helper()

	senders := []domain.SenderProfile{{ID: "a"}, {ID: "b"}}
	limiter := dispatch.NewRateLimiter(senders, globalLimit)
	failures := dispatch.NewFailureTracker(dispatch.DefaultFailureConfig())

	schedCfg := dispatch.DefaultSchedulerConfig()
	schedCfg.EnableRebalancing = false
	scheduler, err := dispatch.NewScheduler(senders, schedCfg, limiter, failures)
	require.NoError(t, err)

	store := newMemStore(recipients...)
	sender := &scriptedSender{}
	pool := dispatch.NewPool(scheduler, limiter, failures, sender, store)

	retryCfg := dispatch.DefaultRetryConfig()
	retryCfg.MaxRetriesPerSender = 0
	retryCfg.RetryDelay = 0
	retrier := dispatch.NewRetryOrchestrator(retryCfg, limiter, failures, sender)

	personalizer := compose.NewPersonalizer(compose.Template{
		Subject: "Hello {{name}}",
		Body:    "Hi {{name}}",
	})

	driver, err := NewDriver(config, senders, store, personalizer, scheduler, limiter, pool, retrier)
	require.NoError(t, err)
	return &rig{driver: driver, store: store, sender: sender}
}

func recipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{
			Address: fmt.Sprintf("user%d@example.com", i+1),
			Name:    fmt.Sprintf("User %d", i+1),
		}
	}
	return out
}

func testConfig(mode Mode) Config {
	return Config{
		Mode:               mode,
		BatchSize:          2,
		InterBatchInterval: 0,
		MaxAttemptsPerTask: 3,
	}
}

func TestNewDriver_Validation(t *testing.T) {
	r := newRig(t, testConfig(ModeQueued), 0)

	t.Run("unknown mode", func(t *testing.T) {
		cfg := testConfig("streaming")
		_, err := NewDriver(cfg, r.driver.senders, r.store, r.driver.personalizer,
			r.driver.scheduler, r.driver.limiter, r.driver.pool, r.driver.retrier)
		assert.Error(t, err)
	})

	t.Run("bad attempt budget", func(t *testing.T) {
		cfg := testConfig(ModeQueued)
		cfg.MaxAttemptsPerTask = 0
		_, err := NewDriver(cfg, r.driver.senders, r.store, r.driver.personalizer,
			r.driver.scheduler, r.driver.limiter, r.driver.pool, r.driver.retrier)
		assert.ErrorIs(t, err, dispatch.ErrInvalidRetryBudget)
	})
}

func TestDriver_QueuedRun(t *testing.T) {
	r := newRig(t, testConfig(ModeQueued), 0, recipients(5)...)

	summary, err := r.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Sent)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)

	for i := 1; i <= 5; i++ {
		assert.Equal(t, domain.RecipientStatusSent, r.store.status(fmt.Sprintf("user%d@example.com", i)))
	}
	assert.Contains(t, r.sender.subjects, "Hello User 1")
}

func TestDriver_QueuedRunWithFailingSender(t *testing.T) {
	r := newRig(t, testConfig(ModeQueued), 0, recipients(4)...)
	r.sender.script = func(id string, _ *domain.Task) error {
		if id == "a" {
			return errors.New("refused")
		}
		return nil
	}

	summary, err := r.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Sent, "everything falls over to the healthy sender")
	assert.Equal(t, 0, summary.Failed)
}

func TestDriver_QueuedRunAllSendersDown(t *testing.T) {
	r := newRig(t, testConfig(ModeQueued), 0, recipients(3)...)
	r.sender.script = func(string, *domain.Task) error {
		return errors.New("down")
	}

	summary, err := r.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, 3, summary.Failed)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, domain.RecipientStatusError, r.store.status(fmt.Sprintf("user%d@example.com", i)))
	}
}

func TestDriver_QueuedRunGlobalLimit(t *testing.T) {
	cfg := testConfig(ModeQueued)
	cfg.BatchSize = 10
	r := newRig(t, cfg, 3, recipients(5)...)

	summary, err := r.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Sent)
	assert.Equal(t, 0, summary.Failed, "recipients beyond the cap are not failures")
	assert.Equal(t, 2, summary.Skipped)
}

func TestDriver_DirectRun(t *testing.T) {
	r := newRig(t, testConfig(ModeDirect), 0, recipients(3)...)

	summary, err := r.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Sent)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, domain.RecipientStatusSent, r.store.status(fmt.Sprintf("user%d@example.com", i)))
	}
}

func TestDriver_DirectRunFallback(t *testing.T) {
	r := newRig(t, testConfig(ModeDirect), 0, recipients(1)...)
	r.sender.script = func(id string, _ *domain.Task) error {
		if id == "a" {
			return errors.New("refused")
		}
		return nil
	}

	summary, err := r.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, domain.RecipientStatusSent, r.store.status("user1@example.com"))
}

func TestDriver_DirectRunGlobalLimit(t *testing.T) {
	r := newRig(t, testConfig(ModeDirect), 2, recipients(4)...)

	summary, err := r.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 2, summary.Skipped)
}

func TestDriver_LoadFailure(t *testing.T) {
	r := newRig(t, testConfig(ModeQueued), 0)
	loadErr := errors.New("source unreachable")
	r.store.loadErr = loadErr

	_, err := r.driver.Run(context.Background())
	assert.ErrorIs(t, err, loadErr)
}
