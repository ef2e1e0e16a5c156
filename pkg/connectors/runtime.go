package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrStopped is the terminal value a run ends with when the stop callback
// fires: the attempt lands in CANCELED, not FAILED.
var ErrStopped = errors.New("connector stop signal")

const (
	// failureCountLimit and failureRatioLimit define when a run aborts:
	// both must be exceeded.
	failureCountLimit = 3
	failureRatioLimit = 0.10
)

// Batch is one pipeline-sized group of processed documents plus the
// failures collected while producing it. Checkpoint is the resume point
// after the batch.
type Batch struct {
	Documents  []IndexingDocument
	Failures   []ConnectorFailure
	Checkpoint Checkpoint
}

// RunnerConfig tunes the checkpoint loop.
type RunnerConfig struct {
	BatchSize int
	// ShouldStop is polled at every batch boundary. It must be thread-safe.
	ShouldStop func() bool
}

// Runner drives a checkpointed connector through its outer loop, batching
// items, enforcing the failure threshold and honoring the stop signal.
type Runner struct {
	connector CheckpointedConnector
	images    *ImageProcessor
	cfg       RunnerConfig
	logger    *slog.Logger

	totalDocs     int
	totalFailures int
	lastFailure   *ConnectorFailure
}

// NewRunner creates a runner over a checkpointed connector.
func NewRunner(connector CheckpointedConnector, images *ImageProcessor, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	return &Runner{connector: connector, images: images, cfg: cfg, logger: logger}
}

// TotalDocs returns the number of documents yielded so far.
func (r *Runner) TotalDocs() int { return r.totalDocs }

// TotalFailures returns the number of failures recorded so far.
func (r *Runner) TotalFailures() int { return r.totalFailures }

// Run returns an iterator over batches for the given window, resuming from
// ck. The iterator's Next returns (nil, nil) when the source is exhausted,
// ErrStopped when the stop callback fired, or the causal error when the
// failure threshold tripped.
func (r *Runner) Run(ctx context.Context, start, end time.Time, ck Checkpoint) *BatchIterator {
	return &BatchIterator{
		runner: r,
		start:  start,
		end:    end,
		ck:     ck,
	}
}

// BatchIterator yields batches from the checkpoint loop. State lives here,
// not in hidden stack frames.
type BatchIterator struct {
	runner *Runner
	start  time.Time
	end    time.Time
	ck     Checkpoint
	inner  DocumentIterator
	// pending buffers one looked-ahead item so span boundaries can advance
	// the checkpoint exactly when a batch fills at the span's end.
	pending *Item
	done    bool
}

// Checkpoint returns the latest resume point.
func (it *BatchIterator) Checkpoint() Checkpoint { return it.ck }

// Next produces the next batch, or (nil, nil) at the end of the run.
func (it *BatchIterator) Next(ctx context.Context) (*Batch, error) {
	if it.done {
		return nil, nil
	}

	r := it.runner
	// pull retries a rate-limited read once, after the server-provided delay.
	pull := func() (*Item, error) {
		item, err := it.inner.Next(ctx)
		var rl *RateLimitedError
		if !errors.As(err, &rl) {
			return item, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rl.RetryAfter):
		}
		return it.inner.Next(ctx)
	}
	if r.cfg.ShouldStop != nil && r.cfg.ShouldStop() {
		it.done = true
		return nil, ErrStopped
	}

	batch := &Batch{}
	for len(batch.Documents) < r.cfg.BatchSize {
		var item *Item
		if it.pending != nil {
			item = it.pending
			it.pending = nil
		} else {
			if it.inner == nil {
				if !it.ck.HasMore() {
					it.done = true
					break
				}
				it.inner = r.connector.LoadFromCheckpoint(ctx, it.start, it.end, it.ck)
			}

			var err error
			item, err = pull()
			if err != nil {
				it.done = true
				return nil, fmt.Errorf("pulling from connector: %w", err)
			}
			if item == nil {
				// One checkpoint span is exhausted; advance the outer loop.
				it.ck = it.inner.Checkpoint()
				it.inner = nil
				continue
			}
		}

		if item.Failure != nil {
			r.totalFailures++
			r.lastFailure = item.Failure
			batch.Failures = append(batch.Failures, *item.Failure)
			r.logger.Warn("connector failure",
				"document_id", item.Failure.FailedDocumentID,
				"entity_id", item.Failure.FailedEntityID,
				"error", item.Failure.Error())
			continue
		}

		r.totalDocs++
		doc := *item.Document
		if r.images != nil {
			batch.Documents = append(batch.Documents, r.images.Process(ctx, doc))
		} else {
			batch.Documents = append(batch.Documents, IndexingDocument{Document: doc, ProcessedSections: doc.Sections})
		}
	}

	// Look one item ahead: if the span ended exactly where the batch
	// filled, advance the checkpoint so a resume does not replay the span.
	if it.inner != nil && it.pending == nil && !it.done {
		item, err := pull()
		if err != nil {
			it.done = true
			return nil, fmt.Errorf("pulling from connector: %w", err)
		}
		if item == nil {
			it.ck = it.inner.Checkpoint()
			it.inner = nil
		} else {
			it.pending = item
		}
	}

	batch.Checkpoint = it.ck

	if err := r.checkFailureThreshold(); err != nil {
		it.done = true
		return nil, err
	}

	if len(batch.Documents) == 0 && len(batch.Failures) == 0 && it.done {
		return nil, nil
	}
	return batch, nil
}

// checkFailureThreshold aborts the run when failures are both numerous and a
// large share of the documents seen.
func (r *Runner) checkFailureThreshold() error {
	docs := r.totalDocs
	if docs == 0 {
		docs = 1
	}
	ratio := float64(r.totalFailures) / float64(docs)
	if r.totalFailures > failureCountLimit && ratio > failureRatioLimit {
		err := fmt.Errorf("connector run aborted: %d failures across %d documents (ratio %.2f)",
			r.totalFailures, r.totalDocs, ratio)
		if r.lastFailure != nil && r.lastFailure.Err != nil {
			return fmt.Errorf("%s: %w", err.Error(), r.lastFailure.Err)
		}
		return err
	}
	return nil
}

// simpleCheckpoint adapts load/poll connectors to the checkpointed shape:
// a single span that is exhausted after one pass.
type simpleCheckpoint struct {
	Done bool `json:"done"`
}

func (c simpleCheckpoint) HasMore() bool { return !c.Done }

// Checkpointed adapts any adapter shape to CheckpointedConnector, detecting
// capabilities at construction time. Checkpointed adapters pass through.
func Checkpointed(c Connector) (CheckpointedConnector, error) {
	switch conn := c.(type) {
	case CheckpointedConnector:
		return conn, nil
	case PollConnector:
		return &pollShim{conn}, nil
	case LoadConnector:
		return &loadShim{conn}, nil
	default:
		return nil, fmt.Errorf("connector %T implements no known shape", c)
	}
}

type loadShim struct {
	LoadConnector
}

func (s *loadShim) BuildDummyCheckpoint() Checkpoint { return simpleCheckpoint{} }

func (s *loadShim) ValidateCheckpointJSON(raw string) (Checkpoint, error) {
	var ck simpleCheckpoint
	if err := json.Unmarshal([]byte(raw), &ck); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return ck, nil
}

func (s *loadShim) LoadFromCheckpoint(ctx context.Context, start, end time.Time, ck Checkpoint) DocumentIterator {
	return &shimIterator{inner: s.LoadAll(ctx)}
}

type pollShim struct {
	PollConnector
}

func (s *pollShim) BuildDummyCheckpoint() Checkpoint { return simpleCheckpoint{} }

func (s *pollShim) ValidateCheckpointJSON(raw string) (Checkpoint, error) {
	var ck simpleCheckpoint
	if err := json.Unmarshal([]byte(raw), &ck); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return ck, nil
}

func (s *pollShim) LoadFromCheckpoint(ctx context.Context, start, end time.Time, ck Checkpoint) DocumentIterator {
	return &shimIterator{inner: s.Poll(ctx, start, end)}
}

// shimIterator delegates to the wrapped iterator and terminates the outer
// loop by returning an exhausted checkpoint.
type shimIterator struct {
	inner DocumentIterator
}

func (it *shimIterator) Next(ctx context.Context) (*Item, error) { return it.inner.Next(ctx) }

func (it *shimIterator) Checkpoint() Checkpoint { return simpleCheckpoint{Done: true} }

// MarshalCheckpoint serializes a checkpoint to its JSON blob for the
// relational store. The core never inspects the contents.
func MarshalCheckpoint(ck Checkpoint) (string, error) {
	raw, err := json.Marshal(ck)
	if err != nil {
		return "", fmt.Errorf("marshalling checkpoint: %w", err)
	}
	return string(raw), nil
}
