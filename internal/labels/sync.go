// Package labels keeps remote mailbox labels in step with classifier
// categories: get-or-create by name, then additive application to
// messages.
package labels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Martian-dev/mail-triage/internal/mail"
)

// Service is the slice of the mailbox API the synchronizer needs.
type Service interface {
	ListLabels(ctx context.Context) ([]mail.Label, error)
	CreateLabel(ctx context.Context, name string) (mail.Label, error)
	AddLabel(ctx context.Context, id, labelID string) error
}

// Synchronizer resolves label names to remote ids through a run-scoped
// cache keyed by lower-cased name. The cache is seeded by a single
// remote list call on first use and must be discarded at run end.
type Synchronizer struct {
	svc Service
	log *zap.Logger

	mu     sync.Mutex
	cache  map[string]string
	seeded bool
}

// New creates a synchronizer for one pipeline run.
func New(svc Service, log *zap.Logger) *Synchronizer {
	return &Synchronizer{
		svc:   svc,
		log:   log,
		cache: make(map[string]string),
	}
}

// Ensure returns the remote id for the named label, creating the label
// remotely if it does not exist. Names differing only in case resolve
// to the same label; repeated calls never create duplicates.
func (s *Synchronizer) Ensure(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		existing, err := s.svc.ListLabels(ctx)
		if err != nil {
			return "", fmt.Errorf("listing labels: %w", err)
		}
		for _, l := range existing {
			s.cache[strings.ToLower(l.Name)] = l.ID
		}
		s.seeded = true
	}

	key := strings.ToLower(name)
	if id, ok := s.cache[key]; ok {
		return id, nil
	}

	created, err := s.svc.CreateLabel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("creating label %q: %w", name, err)
	}
	s.cache[key] = created.ID
	s.log.Info("created label", zap.String("name", name), zap.String("id", created.ID))
	return created.ID, nil
}

// Apply attaches the label to the message. The mutation is additive:
// labels the message already carries are untouched.
func (s *Synchronizer) Apply(ctx context.Context, msgID, labelID string) error {
	if err := s.svc.AddLabel(ctx, msgID, labelID); err != nil {
		return fmt.Errorf("applying label %s to message %s: %w", labelID, msgID, err)
	}
	return nil
}
