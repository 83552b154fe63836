package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/telemetry"
)

// Sink receives finished records. Write never fails from the caller's
// point of view; persistence problems are logged and counted.
type Sink interface {
	Write(ctx context.Context, r Record)
}

// StoreSink writes synchronously to a Store.
type StoreSink struct {
	Store   Store
	Backend string
	Logger  *zap.Logger
}

// Write implements Sink.
func (s StoreSink) Write(ctx context.Context, r Record) {
	if err := s.Store.Store(ctx, r); err != nil {
		telemetry.RecordAuditPersistFailure(ctx, s.Backend, 1)
		logger(s.Logger).Error("audit persist failed",
			zap.String("backend", s.Backend),
			zap.String("record_id", r.ID),
			zap.Error(err))
	}
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

const (
	defaultBufferSize    = 10_000
	defaultFlushInterval = 100 * time.Millisecond
	defaultFlushBatch    = 500
	defaultDrainTimeout  = 2 * time.Second
	flushTimeout         = 5 * time.Second
)

// AsyncSinkOption configures an AsyncSink.
type AsyncSinkOption func(*AsyncSink)

// WithBufferSize sets how many records may wait before new ones are
// dropped.
func WithBufferSize(n int) AsyncSinkOption {
	return func(s *AsyncSink) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithFlushInterval sets how often a partial batch is written.
func WithFlushInterval(d time.Duration) AsyncSinkOption {
	return func(s *AsyncSink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithFlushBatch sets the batch size that triggers an immediate flush.
func WithFlushBatch(n int) AsyncSinkOption {
	return func(s *AsyncSink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSinkLogger sets the logger for drops and persistence failures.
func WithSinkLogger(l *zap.Logger) AsyncSinkOption {
	return func(s *AsyncSink) { s.logger = logger(l) }
}

// WithBackendName labels failure metrics.
func WithBackendName(name string) AsyncSinkOption {
	return func(s *AsyncSink) { s.backend = name }
}

// AsyncSink buffers records and writes them to a Store in batches from a
// background goroutine. Write never blocks: when the buffer is full the
// record is dropped. Close drains what is buffered.
type AsyncSink struct {
	store      Store
	logger     *zap.Logger
	backend    string
	bufferSize int
	interval   time.Duration
	batchSize  int

	mu      sync.RWMutex
	closed  bool
	buffer  chan Record
	done    chan struct{}
	flushed chan struct{}
}

// NewAsyncSink starts the flush loop.
func NewAsyncSink(store Store, opts ...AsyncSinkOption) *AsyncSink {
	s := &AsyncSink{
		store:      store,
		logger:     zap.NewNop(),
		backend:    "store",
		bufferSize: defaultBufferSize,
		interval:   defaultFlushInterval,
		batchSize:  defaultFlushBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buffer = make(chan Record, s.bufferSize)
	s.done = make(chan struct{})
	s.flushed = make(chan struct{})
	go s.flushLoop()
	return s
}

// Write implements Sink.
func (s *AsyncSink) Write(ctx context.Context, r Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(ctx, r, "sink closed")
		return
	}
	select {
	case s.buffer <- r:
	default:
		s.drop(ctx, r, "buffer full")
	}
}

func (s *AsyncSink) drop(ctx context.Context, r Record, reason string) {
	telemetry.RecordAuditDrop(ctx, 1)
	s.logger.Warn("audit record dropped",
		zap.String("reason", reason),
		zap.String("record_id", r.ID),
		zap.String("tool", r.ToolName))
}

// Close stops accepting records and waits for buffered ones to be
// written. It is safe to call more than once.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.flushed
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	<-s.flushed
}

func (s *AsyncSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]Record, 0, s.batchSize)
	for {
		select {
		case r := <-s.buffer:
			batch = append(batch, r)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			deadline := time.After(defaultDrainTimeout)
		drain:
			for {
				select {
				case r := <-s.buffer:
					batch = append(batch, r)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *AsyncSink) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.store.BulkStore(ctx, batch); err != nil {
		telemetry.RecordAuditPersistFailure(ctx, s.backend, len(batch))
		s.logger.Error("audit batch persist failed",
			zap.String("backend", s.backend),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
	}
}
