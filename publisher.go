package auditlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when a record is offered to a full queue.
	ErrQueueFull = errors.New("publisher queue full")
	// ErrPublisherStopped is returned when a record is offered to a publisher that is not running.
	ErrPublisherStopped = errors.New("publisher not running")
	// ErrAlreadyStarted is returned by Startup on a running publisher.
	ErrAlreadyStarted = errors.New("publisher already started")
)

// PublisherConfig controls queueing and draining.
type PublisherConfig struct {
	Capacity         int           `yaml:"capacity" validate:"min=1"`
	MaxBatchedEvents int           `yaml:"max_batched_events" validate:"min=1"`
	Workers          int           `yaml:"workers" validate:"min=1"`
	WriteInterval    time.Duration `yaml:"write_interval" validate:"gt=0"`
	AutoFlush        bool          `yaml:"auto_flush"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	MaxRetries       int           `yaml:"max_retries" validate:"min=0"`
}

// DefaultPublisherConfig returns the defaults used for every buffered sink.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Capacity:         10000,
		MaxBatchedEvents: 100,
		Workers:          2,
		WriteInterval:    250 * time.Millisecond,
		AutoFlush:        true,
		ShutdownTimeout:  10 * time.Second,
		MaxRetries:       3,
	}
}

type publisherState int32

const (
	stateStopped publisherState = iota
	stateRunning
	stateDraining
)

func (s publisherState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// PublisherStats are cumulative counters.
type PublisherStats struct {
	Offered   uint64
	Rejected  uint64
	Delivered uint64
	Requeued  uint64
	Dropped   uint64
}

// Publisher decouples producers from a Sink with a bounded queue, a
// periodic drain and a fixed pool of flush workers.
//
// Offer never blocks. The scheduler drains up to MaxBatchedEvents records
// per batch and keeps draining while records remain; a batch the pool
// cannot take is parked in a backlog that is drained first next time.
// Records a sink hands back are requeued until MaxRetries is exceeded.
type Publisher struct {
	cfg    PublisherConfig
	sink   Sink
	name   string
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state publisherState
	queue chan BufferedRecord
	tasks chan Batch
	stop  chan struct{}
	sched chan struct{}
	wg    sync.WaitGroup

	backlogMu sync.Mutex
	backlog   []BufferedRecord

	offered   atomic.Uint64
	rejected  atomic.Uint64
	delivered atomic.Uint64
	requeued  atomic.Uint64
	dropped   atomic.Uint64
}

// NewPublisher creates a stopped publisher for sink.
func NewPublisher(name string, cfg PublisherConfig, sink Sink, opts ...Option) *Publisher {
	o := buildOptions(opts)
	def := DefaultPublisherConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxBatchedEvents <= 0 {
		cfg.MaxBatchedEvents = def.MaxBatchedEvents
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.WriteInterval <= 0 {
		cfg.WriteInterval = def.WriteInterval
	}
	return &Publisher{
		cfg:    cfg,
		sink:   sink,
		name:   name,
		logger: o.logger.With(zap.String("publisher", name)),
		now:    o.now,
	}
}

// Startup creates the queue and starts the scheduler and workers.
func (p *Publisher) Startup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateStopped {
		return ErrAlreadyStarted
	}
	p.queue = make(chan BufferedRecord, p.cfg.Capacity)
	p.tasks = make(chan Batch, p.cfg.Workers)
	p.stop = make(chan struct{})
	p.sched = make(chan struct{})

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	go p.schedule()

	p.state = stateRunning
	p.logger.Info("publisher started",
		zap.Int("capacity", p.cfg.Capacity),
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("write_interval", p.cfg.WriteInterval))
	return nil
}

// Offer enqueues ev without blocking. It returns false when the queue is
// full or the publisher is not running.
func (p *Publisher) Offer(topic string, ev Event) bool {
	return p.TryOffer(topic, ev) == nil
}

// TryOffer is Offer reporting why a record was rejected.
func (p *Publisher) TryOffer(topic string, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != stateRunning {
		p.rejected.Add(1)
		return ErrPublisherStopped
	}
	if ev.Topic == "" {
		ev.Topic = topic
	}
	select {
	case p.queue <- BufferedRecord{Topic: topic, Event: ev, EnqueuedAt: p.now()}:
		p.offered.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Len returns the number of records waiting in the queue and backlog.
func (p *Publisher) Len() int {
	p.backlogMu.Lock()
	n := len(p.backlog)
	p.backlogMu.Unlock()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.queue != nil {
		n += len(p.queue)
	}
	return n
}

// Stats returns a snapshot of the counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Offered:   p.offered.Load(),
		Rejected:  p.rejected.Load(),
		Delivered: p.delivered.Load(),
		Requeued:  p.requeued.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Publisher) schedule() {
	defer close(p.sched)
	t := time.NewTicker(p.cfg.WriteInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.drain()
		}
	}
}

// drain submits batches while records remain and the pool accepts them.
func (p *Publisher) drain() {
	for {
		batch := p.nextBatch()
		if batch.Len() == 0 {
			return
		}
		select {
		case p.tasks <- batch:
		default:
			p.logger.Debug("worker pool saturated, parking batch", zap.Int("records", batch.Len()))
			p.park(batch.Records, false)
			return
		}
	}
}

// nextBatch takes the backlog first, then the queue.
func (p *Publisher) nextBatch() Batch {
	limit := p.cfg.MaxBatchedEvents
	var recs []BufferedRecord

	p.backlogMu.Lock()
	if n := len(p.backlog); n > 0 {
		if n > limit {
			n = limit
		}
		recs = append(recs, p.backlog[:n]...)
		p.backlog = append([]BufferedRecord(nil), p.backlog[n:]...)
	}
	p.backlogMu.Unlock()

	for len(recs) < limit {
		select {
		case r := <-p.queue:
			recs = append(recs, r)
		default:
			return Batch{Records: recs}
		}
	}
	return Batch{Records: recs}
}

// park puts records at the front of the backlog.
func (p *Publisher) park(recs []BufferedRecord, retry bool) {
	if len(recs) == 0 {
		return
	}
	p.backlogMu.Lock()
	p.backlog = append(append([]BufferedRecord(nil), recs...), p.backlog...)
	p.backlogMu.Unlock()
	if retry {
		p.requeued.Add(uint64(len(recs)))
	}
}

func (p *Publisher) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug("publisher worker started", zap.Int("worker_id", id))
	for batch := range p.tasks {
		p.flush(batch)
	}
	p.logger.Debug("publisher worker stopped", zap.Int("worker_id", id))
}

// flush hands batch to the sink and requeues what it returns.
func (p *Publisher) flush(batch Batch) {
	res := p.sink.Flush(context.Background(), batch)
	failed := len(res.Retry)
	p.delivered.Add(uint64(batch.Len() - failed - len(res.Rejected)))
	if res.Err != nil {
		p.logger.Warn("sink flush failed",
			zap.Int("records", batch.Len()), zap.Int("failed", failed), zap.Error(res.Err))
	}
	if len(res.Rejected) > 0 {
		p.dropped.Add(uint64(len(res.Rejected)))
		for _, r := range res.Rejected {
			p.logger.Error("record rejected by sink",
				zap.String("topic", r.Topic),
				zap.String("id", r.Event.ID))
		}
	}
	if failed == 0 {
		return
	}
	requeue, dropped := splitRetry(res.Retry, p.cfg.MaxRetries)
	p.park(requeue, true)
	if len(dropped) > 0 {
		p.dropped.Add(uint64(len(dropped)))
		for _, r := range dropped {
			p.logger.Error("record dropped after retries",
				zap.String("topic", r.Topic),
				zap.String("id", r.Event.ID),
				zap.Int("attempts", r.Attempts))
		}
	}
}

// Shutdown stops the scheduler, waits for in-flight batches up to
// ShutdownTimeout, flushes what is left when AutoFlush is set and closes
// the sink. Batches still running after the timeout are abandoned.
func (p *Publisher) Shutdown() error {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = stateDraining
	p.mu.Unlock()

	close(p.stop)
	<-p.sched
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	var errs []error
	if p.cfg.ShutdownTimeout > 0 {
		select {
		case <-done:
		case <-time.After(p.cfg.ShutdownTimeout):
			p.logger.Error("publisher workers did not finish in time, in-flight batches may be lost",
				zap.Duration("timeout", p.cfg.ShutdownTimeout))
			errs = append(errs, fmt.Errorf("%s: shutdown timeout after %v", p.name, p.cfg.ShutdownTimeout))
		}
	} else {
		<-done
	}

	if p.cfg.AutoFlush {
		for {
			batch := p.nextBatch()
			if batch.Len() == 0 {
				break
			}
			p.flush(batch)
		}
	} else if n := p.Len(); n > 0 {
		p.logger.Warn("discarding queued records on shutdown", zap.Int("records", n))
	}

	if err := p.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%s: close sink: %w", p.name, err))
	}

	p.mu.Lock()
	p.state = stateStopped
	p.backlogMu.Lock()
	p.backlog = nil
	p.backlogMu.Unlock()
	p.mu.Unlock()

	st := p.Stats()
	p.logger.Info("publisher stopped",
		zap.Uint64("delivered", st.Delivered),
		zap.Uint64("dropped", st.Dropped),
		zap.Uint64("rejected", st.Rejected))
	return errors.Join(errs...)
}
