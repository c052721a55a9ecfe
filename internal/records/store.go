// Package records persists processed-message records as a CSV log, the
// pipeline's durable output.
package records

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Martian-dev/mail-triage/internal/mail"
)

// Header is the fixed column schema. Column order is part of the store
// contract and never changes.
var Header = []string{
	"FromName", "FromAddress", "ToAddress", "Forwarded", "Subject",
	"Body", "Section", "HasAttachment", "AttachmentNames", "Date",
	"ProcessingDuration", "Category",
}

// Store appends records to a CSV file. Writes are whole-file
// read-concatenate-rewrite, serialized by a mutex so concurrent
// appenders cannot lose each other's rows.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store backed by the CSV file at path. The file is
// created on first append.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Append adds recs after all existing rows. Existing rows keep their
// content and order (the rewrite re-encodes them, so quoting style is
// normalized); nothing is deduped. The rewrite goes through a temp
// file and rename so a crash cannot truncate the store.
func (s *Store) Append(recs []mail.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.readRows()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		rows = append(rows, Header)
	}
	for _, r := range recs {
		rows = append(rows, encodeRow(r))
	}
	return s.writeRows(rows)
}

// ReadAll returns every data row currently in the store (header
// excluded). A missing store file yields no rows.
func (s *Store) ReadAll() ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.readRows()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[1:], nil
}

func (s *Store) readRows() ([][]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening record store %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Header)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading record store %s: %w", s.path, err)
	}
	if len(rows) > 0 && !equalRow(rows[0], Header) {
		return nil, fmt.Errorf("record store %s has unexpected header %v", s.path, rows[0])
	}
	return rows, nil
}

func (s *Store) writeRows(rows [][]string) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".records-*.csv")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("writing record store: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing record store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing record store %s: %w", s.path, err)
	}
	return nil
}

func encodeRow(r mail.Record) []string {
	return []string{
		r.FromName,
		r.FromAddress,
		r.ToAddress,
		yesNo(r.Forwarded),
		r.Subject,
		r.Body,
		string(r.Section),
		yesNo(r.HasAttachment),
		strings.Join(r.AttachmentNames, ", "),
		r.Date.UTC().Format(time.RFC3339),
		fmt.Sprintf("%.2f", r.ProcessingTime.Seconds()),
		r.Category,
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func equalRow(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
