// Package pipeline drives one triage pass over a mailbox: fetch unread
// messages, extract structured records, classify, label, persist, mark
// read. Messages are handled sequentially and fail independently; only
// a record-store failure aborts the run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-triage/internal/classify"
	"github.com/Martian-dev/mail-triage/internal/config"
	"github.com/Martian-dev/mail-triage/internal/events"
	"github.com/Martian-dev/mail-triage/internal/extract"
	"github.com/Martian-dev/mail-triage/internal/journal"
	"github.com/Martian-dev/mail-triage/internal/labels"
	"github.com/Martian-dev/mail-triage/internal/mail"
	"github.com/Martian-dev/mail-triage/internal/records"
)

// Summary is the observable outcome of one pipeline pass.
type Summary struct {
	RunID     string `json:"run_id"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
}

func (s Summary) String() string {
	if s.Processed == 0 && s.Skipped == 0 {
		return "no unread messages"
	}
	if s.Skipped > 0 {
		return fmt.Sprintf("processed %d messages (%d skipped)", s.Processed, s.Skipped)
	}
	return fmt.Sprintf("processed %d messages", s.Processed)
}

// processedEvent is the payload published for each fully processed
// message.
type processedEvent struct {
	RunID     string `json:"run_id"`
	Provider  string `json:"provider"`
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
	Sender    string `json:"sender"`
	Section   string `json:"section"`
	Category  string `json:"category"`
	Timestamp int64  `json:"ts"`
}

// Orchestrator wires the pipeline stages together. It is safe for
// concurrent use: runs are serialized, and the configuration document
// is swapped atomically and snapshotted once per run.
type Orchestrator struct {
	src     mail.Source
	engine  classify.Engine
	records *records.Store
	journal *journal.Store
	cfg     atomic.Pointer[config.Config]
	log     *zap.Logger

	runMu sync.Mutex
}

// New creates an orchestrator. The journal may be nil, in which case no
// run history or events are recorded.
func New(src mail.Source, engine classify.Engine, rec *records.Store, jrnl *journal.Store, cfg *config.Config, log *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		src:     src,
		engine:  engine,
		records: rec,
		journal: jrnl,
		log:     log,
	}
	o.cfg.Store(cfg)
	return o
}

// Config returns the current configuration document.
func (o *Orchestrator) Config() *config.Config {
	return o.cfg.Load()
}

// SetConfig replaces the configuration document. Runs already in
// flight keep the snapshot they started with.
func (o *Orchestrator) SetConfig(cfg *config.Config) {
	o.cfg.Store(cfg)
}

// Run executes one triage pass. Passes are serialized: the record
// store is append-only single-writer, so a second Run blocks until the
// first finishes. A failing message is logged, journaled, and skipped;
// the pass continues with the next one. A record-store append failure
// aborts the pass with the failed message still unread, so no
// processed message is ever marked read without its record on disk.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	cfg := o.cfg.Load()
	runID := uuid.NewString()
	summary := Summary{RunID: runID}
	log := o.log.With(zap.String("run_id", runID), zap.String("provider", cfg.Provider))

	// The journal is observability: a failed start disables it for
	// this run instead of aborting the pass.
	jrnl := o.journal
	if jrnl != nil {
		if err := jrnl.BeginRun(ctx, runID, cfg.Provider); err != nil {
			log.Warn("recording run start failed, journaling disabled for this run", zap.Error(err))
			jrnl = nil
		}
	}

	ids, err := o.src.ListUnread(ctx, cfg.BatchSize)
	if err != nil {
		o.finish(ctx, jrnl, runID, "FAILED", err.Error(), &summary)
		return summary, fmt.Errorf("listing unread messages: %w", err)
	}
	if len(ids) == 0 {
		log.Info("no unread messages")
		o.finish(ctx, jrnl, runID, "SUCCEEDED", "", &summary)
		return summary, nil
	}
	log.Info("fetched unread batch", zap.Int("count", len(ids)))

	labeler := labels.New(o.src, log)

	for _, id := range ids {
		rec, err := o.process(ctx, id, cfg, labeler, log)
		if err != nil {
			if isFatal(err) {
				o.finish(ctx, jrnl, runID, "FAILED", err.Error(), &summary)
				return summary, err
			}
			summary.Skipped++
			log.Warn("skipping message", zap.String("message_id", id), zap.Error(err))
			o.journalEvent(ctx, jrnl, cfg.Provider, runID, id, rec, "FAILED", err.Error())
			continue
		}
		summary.Processed++
		o.journalEvent(ctx, jrnl, cfg.Provider, runID, id, rec, "PROCESSED", "")
	}

	o.finish(ctx, jrnl, runID, "SUCCEEDED", "", &summary)
	log.Info("run complete", zap.Int("processed", summary.Processed), zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// fatalError marks a failure that must abort the whole run.
type fatalError struct {
	err error
}

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}

// process runs the stage sequence for one message and returns its
// record. The returned record may be partially filled when an error is
// also returned; journaling uses whatever was extracted.
func (o *Orchestrator) process(ctx context.Context, id string, cfg *config.Config, labeler *labels.Synchronizer, log *zap.Logger) (*mail.Record, error) {
	start := time.Now()

	msg, err := o.src.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching message: %w", err)
	}

	rec := extract.Message(msg)

	content := rec.Subject + "\n" + rec.Body
	rec.Category = o.engine.Classify(ctx, content, cfg.Labels)
	log.Info("classified message",
		zap.String("message_id", id),
		zap.String("category", rec.Category),
		zap.String("section", string(rec.Section)))

	if rec.Category != classify.FallbackCategory {
		labelID, err := labeler.Ensure(ctx, rec.Category)
		if err != nil {
			return &rec, fmt.Errorf("ensuring label: %w", err)
		}
		if err := labeler.Apply(ctx, id, labelID); err != nil {
			return &rec, fmt.Errorf("labeling message: %w", err)
		}
	}

	rec.ProcessingTime = time.Since(start)

	if err := o.records.Append([]mail.Record{rec}); err != nil {
		return &rec, fatalError{fmt.Errorf("persisting record: %w", err)}
	}

	if err := o.src.MarkRead(ctx, id); err != nil {
		// The record is on disk; the message stays unread and will be
		// re-fetched next run, producing a second row.
		return &rec, fmt.Errorf("marking message read: %w", err)
	}
	return &rec, nil
}

func (o *Orchestrator) finish(ctx context.Context, jrnl *journal.Store, runID, status, lastError string, s *Summary) {
	if jrnl == nil {
		return
	}
	if err := jrnl.FinishRun(ctx, runID, status, lastError, s.Processed, s.Skipped); err != nil {
		o.log.Warn("recording run finish failed", zap.Error(err))
	}
}

// journalEvent records the message outcome and, for processed messages,
// enqueues the publishable event. Journal failures are logged and do
// not affect the run outcome.
func (o *Orchestrator) journalEvent(ctx context.Context, jrnl *journal.Store, provider, runID, msgID string, rec *mail.Record, outcome, detail string) {
	if jrnl == nil {
		return
	}

	ev := journal.MessageEvent{
		RunID:     runID,
		Provider:  provider,
		MessageID: msgID,
		Outcome:   outcome,
		Detail:    detail,
	}
	if rec != nil {
		ev.Subject = rec.Subject
		ev.Sender = rec.FromAddress
		ev.CcAddr = rec.CcAddress
		ev.BccAddr = rec.BccAddress
		ev.Section = string(rec.Section)
		ev.Category = rec.Category
	}

	var payload []byte
	if outcome == "PROCESSED" {
		payload, _ = json.Marshal(processedEvent{
			RunID:     runID,
			Provider:  provider,
			MessageID: msgID,
			Subject:   ev.Subject,
			Sender:    ev.Sender,
			Section:   ev.Section,
			Category:  ev.Category,
			Timestamp: time.Now().Unix(),
		})
	}

	natsMsgID := fmt.Sprintf("%s:%s", runID, msgID)
	if err := jrnl.AppendEvent(ctx, ev, events.SubjectProcessed, "message.processed", payload, natsMsgID); err != nil {
		o.log.Warn("journaling message event failed",
			zap.String("message_id", msgID), zap.Error(err))
	}
}
