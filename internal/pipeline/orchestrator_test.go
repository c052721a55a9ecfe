package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/Martian-dev/mail-triage/internal/config"
	"github.com/Martian-dev/mail-triage/internal/journal"
	"github.com/Martian-dev/mail-triage/internal/mail"
	"github.com/Martian-dev/mail-triage/internal/records"
)

type fakeSource struct {
	messages map[string]*mail.Message
	unread   []string
	labels   []mail.Label

	listErr    error
	getErr     map[string]error
	markErr    map[string]error
	addErr     map[string]error
	listCalls  int
	read       []string
	applied    map[string][]string
	created    []string
	nextLabelN int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		messages: make(map[string]*mail.Message),
		getErr:   make(map[string]error),
		markErr:  make(map[string]error),
		addErr:   make(map[string]error),
		applied:  make(map[string][]string),
	}
}

func (f *fakeSource) add(id, subject, body string) {
	f.unread = append(f.unread, id)
	f.messages[id] = &mail.Message{
		ID: id,
		Headers: map[string]string{
			"From":    fmt.Sprintf("Sender <%s@example.com>", id),
			"To":      "me@example.com",
			"Subject": subject,
			"Date":    "Mon, 2 Jan 2006 15:04:05 -0700",
		},
		Payload: mail.Part{
			MimeType: "text/plain",
			Data:     base64.URLEncoding.EncodeToString([]byte(body)),
		},
		InternalDate: 1136239445000,
	}
}

func (f *fakeSource) ListUnread(ctx context.Context, max int64) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if int64(len(f.unread)) > max {
		return f.unread[:max], nil
	}
	return f.unread, nil
}

func (f *fakeSource) Get(ctx context.Context, id string) (*mail.Message, error) {
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	return f.messages[id], nil
}

func (f *fakeSource) MarkRead(ctx context.Context, id string) error {
	if err := f.markErr[id]; err != nil {
		return err
	}
	f.read = append(f.read, id)
	return nil
}

func (f *fakeSource) AddLabel(ctx context.Context, id, labelID string) error {
	if err := f.addErr[id]; err != nil {
		return err
	}
	f.applied[id] = append(f.applied[id], labelID)
	return nil
}

func (f *fakeSource) ListLabels(ctx context.Context) ([]mail.Label, error) {
	f.listCalls++
	return f.labels, nil
}

func (f *fakeSource) CreateLabel(ctx context.Context, name string) (mail.Label, error) {
	f.nextLabelN++
	l := mail.Label{ID: fmt.Sprintf("Label_%d", f.nextLabelN), Name: name}
	f.labels = append(f.labels, l)
	f.created = append(f.created, name)
	return l, nil
}

// fixedEngine classifies by subject lookup, defaulting to "Other".
type fixedEngine struct {
	byContent map[string]string
}

func (e *fixedEngine) Classify(ctx context.Context, content string, candidates []string) string {
	if c, ok := e.byContent[content]; ok {
		return c
	}
	return "Other"
}

func (e *fixedEngine) Summarize(ctx context.Context, text string) string {
	return "summary"
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Labels:    []string{"Work", "Personal"},
		Provider:  "gmail",
		BatchSize: 10,
	}
}

func newOrchestrator(t *testing.T, src *fakeSource, engine *fixedEngine, cfg *config.Config) (*Orchestrator, *records.Store) {
	t.Helper()
	store := records.NewStore(filepath.Join(t.TempDir(), "emails.csv"))
	return New(src, engine, store, nil, cfg, zap.NewNop()), store
}

func TestRunEmptyMailbox(t *testing.T) {
	src := newFakeSource()
	o, _ := newOrchestrator(t, src, &fixedEngine{}, testConfig(t))

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 0 || summary.Skipped != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
	if got := summary.String(); got != "no unread messages" {
		t.Fatalf("String() = %q", got)
	}
}

func TestRunProcessesBatch(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "standup notes", "discussing the sprint")
	src.add("m2", "weekend plans", "barbecue on saturday")

	engine := &fixedEngine{byContent: map[string]string{
		"standup notes\ndiscussing the sprint": "Work",
		"weekend plans\nbarbecue on saturday":  "Personal",
	}}
	o, store := newOrchestrator(t, src, engine, testConfig(t))

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 2 || summary.Skipped != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if got := summary.String(); got != "processed 2 messages" {
		t.Fatalf("String() = %q", got)
	}

	rows, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][11] != "Work" || rows[1][11] != "Personal" {
		t.Fatalf("categories = %q, %q", rows[0][11], rows[1][11])
	}

	if len(src.read) != 2 {
		t.Fatalf("expected 2 marked read, got %v", src.read)
	}
	if len(src.applied["m1"]) != 1 || len(src.applied["m2"]) != 1 {
		t.Fatalf("labels applied = %v", src.applied)
	}
	if src.listCalls != 1 {
		t.Fatalf("expected one ListLabels call, got %d", src.listCalls)
	}
}

func TestRunRespectsBatchSize(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 15; i++ {
		src.add(fmt.Sprintf("m%d", i), "hello", "body")
	}
	o, _ := newOrchestrator(t, src, &fixedEngine{}, testConfig(t))

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 10 {
		t.Fatalf("expected 10 processed, got %d", summary.Processed)
	}
}

func TestRunFallbackSkipsLabeling(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "mystery", "unclassifiable content")
	o, store := newOrchestrator(t, src, &fixedEngine{}, testConfig(t))

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(src.applied["m1"]) != 0 || len(src.created) != 0 {
		t.Fatalf("fallback message must not be labeled: applied=%v created=%v", src.applied, src.created)
	}

	rows, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if rows[0][11] != "Other" {
		t.Fatalf("category = %q", rows[0][11])
	}
	if len(src.read) != 1 {
		t.Fatal("fallback message must still be marked read")
	}
}

func TestRunIsolatesMessageFailures(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "first", "body one")
	src.add("m2", "second", "body two")
	src.add("m3", "third", "body three")
	src.getErr["m2"] = errors.New("transient fetch failure")

	o, store := newOrchestrator(t, src, &fixedEngine{}, testConfig(t))

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 2 || summary.Skipped != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if got := summary.String(); got != "processed 2 messages (1 skipped)" {
		t.Fatalf("String() = %q", got)
	}

	rows, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, id := range src.read {
		if id == "m2" {
			t.Fatal("failed message must stay unread")
		}
	}
}

func TestRunPersistFailureIsFatal(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "first", "body one")
	src.add("m2", "second", "body two")

	engine := &fixedEngine{}
	cfg := testConfig(t)
	// A store rooted in a missing directory fails every rewrite.
	store := records.NewStore(filepath.Join(t.TempDir(), "missing", "emails.csv"))
	o := New(src, engine, store, nil, cfg, zap.NewNop())

	summary, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected run-fatal persistence error")
	}
	if summary.Processed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(src.read) != 0 {
		t.Fatal("no message may be marked read after a persistence failure")
	}
}

func TestRunMarkReadFailureSkipsMessage(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "first", "body one")
	src.add("m2", "second", "body two")
	src.markErr["m1"] = errors.New("rate limited")

	o, store := newOrchestrator(t, src, &fixedEngine{}, testConfig(t))

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 1 || summary.Skipped != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	// The record for m1 was persisted before the mark-read attempt.
	rows, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestRunListFailure(t *testing.T) {
	src := newFakeSource()
	src.listErr = errors.New("mailbox unavailable")
	o, _ := newOrchestrator(t, src, &fixedEngine{}, testConfig(t))

	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("expected error from list failure")
	}
}

func TestRunJournalsOutcomes(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "first", "body one")
	src.add("m2", "second", "body two")
	src.getErr["m2"] = errors.New("gone")

	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer jrnl.Close()

	cfg := testConfig(t)
	store := records.NewStore(filepath.Join(t.TempDir(), "emails.csv"))
	o := New(src, &fixedEngine{}, store, jrnl, cfg, zap.NewNop())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	runs, err := jrnl.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	r := runs[0]
	if r.RunID != summary.RunID || r.Status != "SUCCEEDED" || r.Processed != 1 || r.Skipped != 1 {
		t.Fatalf("run record = %+v", r)
	}

	// Only the processed message enqueues a publishable event.
	pending, err := jrnl.DequeueOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("DequeueOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 outbox event, got %d", len(pending))
	}
}

// recordingEngine captures the content handed to Classify.
type recordingEngine struct {
	contents []string
}

func (e *recordingEngine) Classify(ctx context.Context, content string, candidates []string) string {
	e.contents = append(e.contents, content)
	return "Other"
}

func (e *recordingEngine) Summarize(ctx context.Context, text string) string {
	return "summary"
}

func TestRunClassifierSeesSubjectAndBody(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "quarterly invoice", "please find attached")

	engine := &recordingEngine{}
	cfg := testConfig(t)
	store := records.NewStore(filepath.Join(t.TempDir(), "emails.csv"))
	o := New(src, engine, store, nil, cfg, zap.NewNop())

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(engine.contents) != 1 {
		t.Fatalf("expected 1 classification, got %d", len(engine.contents))
	}
	if got, want := engine.contents[0], "quarterly invoice\nplease find attached"; got != want {
		t.Fatalf("classification content = %q, want %q", got, want)
	}
}

func TestRunContinuesWhenJournalUnavailable(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "hello", "body")

	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	jrnl.Close()

	cfg := testConfig(t)
	store := records.NewStore(filepath.Join(t.TempDir(), "emails.csv"))
	o := New(src, &fixedEngine{}, store, jrnl, cfg, zap.NewNop())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 1 || summary.Skipped != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(src.read) != 1 {
		t.Fatal("message must be marked read despite the unavailable journal")
	}

	rows, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestConcurrentRunsAreSerialized(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "first", "body one")
	src.add("m2", "second", "body two")

	o, store := newOrchestrator(t, src, &fixedEngine{}, testConfig(t))

	// The fake keeps messages unread, so each pass processes both.
	// Serialized passes append whole batches; nothing may be lost.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Run(context.Background()); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	rows, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows from two serialized passes, got %d", len(rows))
	}
}

func TestRunSnapshotsUpdatedConfig(t *testing.T) {
	src := newFakeSource()
	src.add("m1", "first", "body one")
	src.add("m2", "second", "body two")

	o, _ := newOrchestrator(t, src, &fixedEngine{}, testConfig(t))

	updated := testConfig(t)
	updated.BatchSize = 1
	o.SetConfig(updated)

	if got := o.Config().BatchSize; got != 1 {
		t.Fatalf("Config().BatchSize = %d, want 1", got)
	}

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 1 {
		t.Fatalf("expected batch size 1 to cap the pass, summary = %+v", summary)
	}
}
