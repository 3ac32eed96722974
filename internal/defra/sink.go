package defra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OpType represents the type of write operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
)

// WriteOp represents a single write operation to be batched.
type WriteOp struct {
	Collection string             // Target collection name
	Document   map[string]any     // Document data
	DocID      string             // For updates (empty for creates)
	Op         OpType             // Operation type
	result     chan<- WriteResult // Internal - set by SendSync
}

// SinkConfig configures the write sink.
type SinkConfig struct {
	Client        *Client
	BatchSize     int           // Flush after N ops (default: 50)
	FlushInterval time.Duration // Or after duration (default: 1s)
	QueueSize     int           // Buffer size (default: 500)
	Logger        *slog.Logger
}

// Sink serializes secondary writes to DefraDB (baseline snapshots) off the
// request path. Record updates never go through the sink: they need the
// store's compare-and-set, which must be synchronous.
type Sink struct {
	client *Client
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan WriteOp
	batch   []WriteOp
	batchMu sync.Mutex
	flushCh chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink creates a new write sink.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sink{
		client:        cfg.Client,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan WriteOp, cfg.QueueSize),
		batch:         make([]WriteOp, 0, cfg.BatchSize),
		flushCh:       make(chan struct{}, 1),
	}
}

// Client returns the client the sink writes through.
func (s *Sink) Client() *Client {
	return s.client
}

// Start begins processing write operations.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.runBatcher()
}

// Stop gracefully shuts down the sink, flushing remaining operations.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping sink, flushing remaining operations")

		// Closing the queue makes the batcher flush and exit.
		close(s.queue)
		s.wg.Wait()
		s.cancel()

		s.logger.Info("sink stopped")
	})
}

// SendSync queues a write operation and waits for the result. Concurrent
// callers are applied in one flush, in arrival order.
func (s *Sink) SendSync(ctx context.Context, op WriteOp) (result WriteResult, err error) {
	resultCh := make(chan WriteResult, 1)
	op.result = resultCh

	defer func() {
		if r := recover(); r != nil {
			result, err = WriteResult{}, ErrSinkClosed
		}
	}()

	select {
	case s.queue <- op:
	case <-s.ctx.Done():
		return WriteResult{}, ErrSinkClosed
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}

	// Ask for an immediate flush; the caller is blocked on this write.
	s.flush()

	select {
	case res := <-resultCh:
		return res, res.Err
	case <-s.ctx.Done():
		return WriteResult{}, fmt.Errorf("%w while waiting for result", ErrSinkClosed)
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

// flush requests an immediate flush of the current batch.
func (s *Sink) flush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
		// Flush already pending
	}
}

// runBatcher collects operations and flushes on size/time triggers.
func (s *Sink) runBatcher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				s.flushBatch()
				return
			}
			s.addToBatch(op)

		case <-ticker.C:
			s.flushBatch()

		case <-s.flushCh:
			// Drain whatever is already queued so every waiting
			// SendSync caller's op is part of this flush.
			for drained := false; !drained; {
				select {
				case op, ok := <-s.queue:
					if !ok {
						s.flushBatch()
						return
					}
					s.addToBatch(op)
				default:
					drained = true
				}
			}
			s.flushBatch()
		}
	}
}

func (s *Sink) addToBatch(op WriteOp) {
	s.batchMu.Lock()
	s.batch = append(s.batch, op)
	full := len(s.batch) >= s.batchSize
	s.batchMu.Unlock()

	if full {
		s.flushBatch()
	}
}

// flushBatch applies queued operations in arrival order. Order matters:
// a create followed by an update of the same snapshot must land in sequence.
func (s *Sink) flushBatch() {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	ops := s.batch
	s.batch = make([]WriteOp, 0, s.batchSize)
	s.batchMu.Unlock()

	s.logger.Debug("flushing batch", "count", len(ops))

	for _, op := range ops {
		res := s.apply(op)
		if res.Err != nil {
			s.logger.Error("sink write failed",
				"collection", op.Collection,
				"op", op.Op,
				"doc_id", op.DocID,
				"error", res.Err)
		}
		if op.result != nil {
			op.result <- res
			close(op.result)
		}
	}
}

func (s *Sink) apply(op WriteOp) WriteResult {
	switch op.Op {
	case OpCreate:
		res, err := s.client.Create(s.ctx, op.Collection, op.Document)
		res.Err = err
		return res
	case OpUpdate:
		res, err := s.client.Update(s.ctx, op.Collection, op.DocID, op.Document)
		res.Err = err
		return res
	default:
		return WriteResult{Err: fmt.Errorf("unknown op type %q", op.Op)}
	}
}
