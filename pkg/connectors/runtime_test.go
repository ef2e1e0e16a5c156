package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

// fakeCheckpoint pages through a fixed item list, span by span.
type fakeCheckpoint struct {
	Offset int  `json:"offset"`
	More   bool `json:"more"`
}

func (c fakeCheckpoint) HasMore() bool { return c.More }

// fakeConnector yields items in spans of spanSize per checkpoint.
type fakeConnector struct {
	items    []Item
	spanSize int
}

func (f *fakeConnector) LoadCredentials(map[string]any) error            { return nil }
func (f *fakeConnector) ValidateConnectorSettings(context.Context) error { return nil }
func (f *fakeConnector) BuildDummyCheckpoint() Checkpoint                { return fakeCheckpoint{More: true} }

func (f *fakeConnector) ValidateCheckpointJSON(raw string) (Checkpoint, error) {
	var ck fakeCheckpoint
	if err := json.Unmarshal([]byte(raw), &ck); err != nil {
		return nil, err
	}
	return ck, nil
}

func (f *fakeConnector) LoadFromCheckpoint(ctx context.Context, start, end time.Time, ck Checkpoint) DocumentIterator {
	fc := ck.(fakeCheckpoint)
	stop := fc.Offset + f.spanSize
	if stop > len(f.items) {
		stop = len(f.items)
	}
	return &fakeIterator{
		items: f.items[fc.Offset:stop],
		next:  fakeCheckpoint{Offset: stop, More: stop < len(f.items)},
	}
}

type fakeIterator struct {
	items []Item
	pos   int
	next  fakeCheckpoint
}

func (it *fakeIterator) Next(ctx context.Context) (*Item, error) {
	if it.pos >= len(it.items) {
		return nil, nil
	}
	item := it.items[it.pos]
	it.pos++
	return &item, nil
}

func (it *fakeIterator) Checkpoint() Checkpoint { return it.next }

func doc(id string) Item {
	return Item{Document: &Document{
		ID:                 id,
		SemanticIdentifier: id,
		Sections:           []Section{{Text: "content of " + id}},
		Source:             "fake",
	}}
}

func failure(id string) Item {
	return Item{Failure: &ConnectorFailure{
		FailedDocumentID: id,
		Message:          "fetch failed",
		Err:              errors.New("boom"),
	}}
}

func drain(t *testing.T, it *BatchIterator) ([]IndexingDocument, []ConnectorFailure, error) {
	t.Helper()
	var docs []IndexingDocument
	var failures []ConnectorFailure
	for {
		batch, err := it.Next(context.Background())
		if err != nil {
			return docs, failures, err
		}
		if batch == nil {
			return docs, failures, nil
		}
		docs = append(docs, batch.Documents...)
		failures = append(failures, batch.Failures...)
	}
}

func TestRunnerYieldsAllDocuments(t *testing.T) {
	conn := &fakeConnector{spanSize: 2}
	for i := 0; i < 5; i++ {
		conn.items = append(conn.items, doc(fmt.Sprintf("d%d", i)))
	}

	r := NewRunner(conn, nil, RunnerConfig{BatchSize: 3}, slog.Default())
	docs, failures, err := drain(t, r.Run(context.Background(), time.Time{}, time.Now(), conn.BuildDummyCheckpoint()))
	if err != nil {
		t.Fatalf("drain error: %v", err)
	}
	if len(docs) != 5 {
		t.Errorf("got %d documents, want 5", len(docs))
	}
	if len(failures) != 0 {
		t.Errorf("got %d failures, want 0", len(failures))
	}
}

func TestCheckpointResumeCoversUnion(t *testing.T) {
	conn := &fakeConnector{spanSize: 2}
	for i := 0; i < 6; i++ {
		conn.items = append(conn.items, doc(fmt.Sprintf("d%d", i)))
	}

	r := NewRunner(conn, nil, RunnerConfig{BatchSize: 2}, slog.Default())
	it := r.Run(context.Background(), time.Time{}, time.Now(), conn.BuildDummyCheckpoint())

	// Pull one batch, then resume a fresh run from the saved checkpoint.
	first, err := it.Next(context.Background())
	if err != nil || first == nil {
		t.Fatalf("first batch = (%v, %v)", first, err)
	}
	saved := it.Checkpoint()

	r2 := NewRunner(conn, nil, RunnerConfig{BatchSize: 2}, slog.Default())
	rest, _, err := drain(t, r2.Run(context.Background(), time.Time{}, time.Now(), saved))
	if err != nil {
		t.Fatalf("resume drain error: %v", err)
	}

	seen := map[string]int{}
	for _, d := range first.Documents {
		seen[d.ID]++
	}
	for _, d := range rest {
		seen[d.ID]++
	}
	if len(seen) != 6 {
		t.Errorf("union covers %d ids, want 6: %v", len(seen), seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("document %s yielded %d times, want 1", id, n)
		}
	}
}

func TestFailureThresholdAborts(t *testing.T) {
	conn := &fakeConnector{spanSize: 100}
	// 4 failures over 10 docs: > 3 failures and ratio 0.4 > 0.10.
	for i := 0; i < 10; i++ {
		conn.items = append(conn.items, doc(fmt.Sprintf("d%d", i)))
	}
	for i := 0; i < 4; i++ {
		conn.items = append(conn.items, failure(fmt.Sprintf("f%d", i)))
	}

	r := NewRunner(conn, nil, RunnerConfig{BatchSize: 100}, slog.Default())
	_, _, err := drain(t, r.Run(context.Background(), time.Time{}, time.Now(), conn.BuildDummyCheckpoint()))
	if err == nil {
		t.Fatal("expected failure-threshold error, got nil")
	}
	if errors.Unwrap(err) == nil {
		t.Errorf("threshold error should wrap the causal error: %v", err)
	}
}

func TestFewFailuresDoNotAbort(t *testing.T) {
	conn := &fakeConnector{spanSize: 100}
	for i := 0; i < 100; i++ {
		conn.items = append(conn.items, doc(fmt.Sprintf("d%d", i)))
	}
	// 5 failures over 100 docs: count exceeds 3 but ratio 0.05 <= 0.10.
	for i := 0; i < 5; i++ {
		conn.items = append(conn.items, failure(fmt.Sprintf("f%d", i)))
	}

	r := NewRunner(conn, nil, RunnerConfig{BatchSize: 50}, slog.Default())
	docs, failures, err := drain(t, r.Run(context.Background(), time.Time{}, time.Now(), conn.BuildDummyCheckpoint()))
	if err != nil {
		t.Fatalf("run aborted unexpectedly: %v", err)
	}
	if len(docs) != 100 || len(failures) != 5 {
		t.Errorf("got %d docs / %d failures, want 100 / 5", len(docs), len(failures))
	}
}

func TestStopSignalEndsRun(t *testing.T) {
	conn := &fakeConnector{spanSize: 2}
	for i := 0; i < 10; i++ {
		conn.items = append(conn.items, doc(fmt.Sprintf("d%d", i)))
	}

	stopped := false
	r := NewRunner(conn, nil, RunnerConfig{
		BatchSize:  2,
		ShouldStop: func() bool { return stopped },
	}, slog.Default())
	it := r.Run(context.Background(), time.Time{}, time.Now(), conn.BuildDummyCheckpoint())

	if _, err := it.Next(context.Background()); err != nil {
		t.Fatalf("first batch error: %v", err)
	}
	stopped = true
	_, err := it.Next(context.Background())
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Next() after stop = %v, want ErrStopped", err)
	}
}

func TestImageSectionsProcessed(t *testing.T) {
	conn := &fakeConnector{spanSize: 10}
	conn.items = append(conn.items, Item{Document: &Document{
		ID:                 "img-doc",
		SemanticIdentifier: "img-doc",
		Sections: []Section{
			{Text: "before"},
			{ImageURL: "https://example.com/pic.png", Link: "https://example.com"},
		},
		Source: "fake",
	}})

	proc := NewImageProcessor(nil, slog.Default())
	r := NewRunner(conn, proc, RunnerConfig{BatchSize: 10}, slog.Default())
	docs, _, err := drain(t, r.Run(context.Background(), time.Time{}, time.Now(), conn.BuildDummyCheckpoint()))
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}

	d := docs[0]
	if len(d.ProcessedSections) != 2 {
		t.Fatalf("processed sections = %d, want 2", len(d.ProcessedSections))
	}
	if d.ProcessedSections[1].IsImage() {
		t.Error("image section not converted to text")
	}
	if d.ProcessedSections[1].Text != "[image: https://example.com/pic.png]" {
		t.Errorf("placeholder = %q", d.ProcessedSections[1].Text)
	}
	// Raw sections preserved.
	if !d.Sections[1].IsImage() {
		t.Error("raw image section lost")
	}
}

func TestCheckpointedShimForLoadConnector(t *testing.T) {
	lc := &fakeLoadConnector{docs: []Item{doc("a"), doc("b")}}
	c, err := Checkpointed(lc)
	if err != nil {
		t.Fatalf("Checkpointed() error: %v", err)
	}

	r := NewRunner(c, nil, RunnerConfig{BatchSize: 10}, slog.Default())
	docs, _, err := drain(t, r.Run(context.Background(), time.Time{}, time.Now(), c.BuildDummyCheckpoint()))
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Errorf("got %d docs, want 2", len(docs))
	}
}

type fakeLoadConnector struct {
	docs []Item
}

func (f *fakeLoadConnector) LoadCredentials(map[string]any) error            { return nil }
func (f *fakeLoadConnector) ValidateConnectorSettings(context.Context) error { return nil }

func (f *fakeLoadConnector) LoadAll(ctx context.Context) DocumentIterator {
	return &fakeIterator{items: f.docs}
}
