package recipient

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bissquit/mail-courier/internal/domain"
)

// CSVStore reads recipients from a CSV file and writes delivery statuses
// back into it, so a re-run of the same file picks up where the last run
// stopped. The first row must be a header containing an email column; a
// status column is appended when missing.
type CSVStore struct {
	path string

	mu        sync.Mutex
	header    []string
	rows      [][]string
	index     map[string]int
	emailCol  int
	nameCol   int
	statusCol int
}

// NewCSVStore creates a store backed by the given file. The file is parsed
// lazily on Load.
func NewCSVStore(path string) *CSVStore {
	return &CSVStore{path: path}
}

// Load parses the file and returns recipients not yet marked sent. Names
// missing from the source are derived from the address.
func (s *CSVStore) Load(ctx context.Context) ([]domain.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open recipient file: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse recipient file: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoRecipients
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.header = records[0]
	s.rows = records[1:]
	s.emailCol, s.nameCol, s.statusCol = locateColumns(s.header)
	if s.emailCol < 0 {
		return nil, ErrMissingEmailCol
	}
	if s.statusCol < 0 {
		s.header = append(s.header, "status")
		s.statusCol = len(s.header) - 1
	}

	s.index = make(map[string]int, len(s.rows))
	var pending []domain.Recipient
	skipped := 0

	for i, row := range s.rows {
		address := strings.TrimSpace(cell(row, s.emailCol))
		if address == "" {
			continue
		}
		s.index[strings.ToLower(address)] = i

		status := domain.RecipientStatus(strings.TrimSpace(cell(row, s.statusCol)))
		if status == domain.RecipientStatusSent {
			skipped++
			continue
		}

		name := strings.TrimSpace(cell(row, s.nameCol))
		if name == "" {
			name = DeriveName(address)
		}

		pending = append(pending, domain.Recipient{
			Address: address,
			Name:    name,
			Fields:  rowFields(s.header, row),
			Status:  domain.RecipientStatusPending,
		})
	}

	slog.Info("recipient file loaded",
		"path", s.path,
		"pending", len(pending),
		"already_sent", skipped,
	)
	if len(pending) == 0 {
		return nil, ErrNoRecipients
	}
	return pending, nil
}

// UpdateStatus records the outcome for one recipient and rewrites the file.
func (s *CSVStore) UpdateStatus(ctx context.Context, recipient domain.Recipient, status domain.RecipientStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[strings.ToLower(recipient.Address)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientUnknown, recipient.Address)
	}

	for len(s.rows[i]) <= s.statusCol {
		s.rows[i] = append(s.rows[i], "")
	}
	s.rows[i][s.statusCol] = string(status)

	return s.flushLocked()
}

// flushLocked writes the whole table to a temp file and renames it over the
// original, so a crash mid-write cannot corrupt the source.
func (s *CSVStore) flushLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".recipients-*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := csv.NewWriter(tmp)
	if err := w.Write(s.header); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range s.rows {
		padded := row
		for len(padded) < len(s.header) {
			padded = append(padded, "")
		}
		if err := w.Write(padded); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush rows: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmp.Name(), s.path)
}

func locateColumns(header []string) (email, name, status int) {
	email, name, status = -1, -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "email", "e-mail", "address":
			if email < 0 {
				email = i
			}
		case "name":
			if name < 0 {
				name = i
			}
		case "status":
			if status < 0 {
				status = i
			}
		}
	}
	return email, name, status
}

// rowFields exposes every column to template personalization, keyed by the
// lowercased header.
func rowFields(header []string, row []string) map[string]string {
	fields := make(map[string]string, len(header))
	for i, h := range header {
		fields[strings.ToLower(strings.TrimSpace(h))] = strings.TrimSpace(cell(row, i))
	}
	return fields
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
