package auditlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrServiceUnavailable is returned when a handler cannot accept an event
// right now, typically because its buffer is full.
var ErrServiceUnavailable = errors.New("audit service unavailable")

// Handler is one configured destination of the audit service.
type Handler interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Startup() error
	Shutdown() error
}

type bufferedHandler struct {
	name string
	pub  *Publisher
}

// NewBufferedHandler puts a Publisher in front of sink.
func NewBufferedHandler(name string, cfg PublisherConfig, sink Sink, opts ...Option) Handler {
	return &bufferedHandler{name: name, pub: NewPublisher(name, cfg, sink, opts...)}
}

func (h *bufferedHandler) Name() string { return h.name }

func (h *bufferedHandler) Publish(_ context.Context, ev Event) error {
	if err := h.pub.TryOffer(ev.Topic, ev); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, h.name, err)
	}
	return nil
}

func (h *bufferedHandler) Startup() error  { return h.pub.Startup() }
func (h *bufferedHandler) Shutdown() error { return h.pub.Shutdown() }

// Publisher returns the handler's publisher.
func (h *bufferedHandler) Publisher() *Publisher { return h.pub }

type directTarget interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type directHandler struct {
	name   string
	target directTarget
}

// NewDirectHandler publishes on the caller's goroutine.
func NewDirectHandler(name string, target directTarget) Handler {
	return &directHandler{name: name, target: target}
}

func (h *directHandler) Name() string { return h.name }

func (h *directHandler) Publish(ctx context.Context, ev Event) error {
	return h.target.Publish(ctx, ev)
}

func (h *directHandler) Startup() error  { return nil }
func (h *directHandler) Shutdown() error { return h.target.Close() }

type asyncSyslogHandler struct {
	name string
	pub  *SyslogAsyncPublisher
}

func (h *asyncSyslogHandler) Name() string { return h.name }

func (h *asyncSyslogHandler) Publish(ctx context.Context, ev Event) error {
	if err := h.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, h.name, err)
	}
	return nil
}

func (h *asyncSyslogHandler) Startup() error  { return h.pub.Startup() }
func (h *asyncSyslogHandler) Shutdown() error { return h.pub.Shutdown() }

// Service fans events out to its handlers.
type Service struct {
	handlers []Handler
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
}

// NewService creates a service over handlers.
func NewService(handlers []Handler, opts ...Option) *Service {
	o := buildOptions(opts)
	return &Service{handlers: handlers, logger: o.logger}
}

// NewFromConfig builds every handler cfg configures.
func NewFromConfig(cfg Config, opts ...Option) (*Service, error) {
	var handlers []Handler
	fail := func(err error) (*Service, error) {
		for _, h := range handlers {
			_ = h.Shutdown()
		}
		return nil, err
	}

	if cfg.CSV != nil {
		h, err := NewCSVHandler(*cfg.CSV, opts...)
		if err != nil {
			return fail(fmt.Errorf("csv: %w", err))
		}
		if cfg.CSV.Buffered {
			handlers = append(handlers, NewBufferedHandler("csv", cfg.Buffering, h, opts...))
		} else {
			handlers = append(handlers, NewDirectHandler("csv", h))
		}
	}
	if cfg.SQL != nil {
		s, err := OpenSQLSink(*cfg.SQL, opts...)
		if err != nil {
			return fail(fmt.Errorf("sql: %w", err))
		}
		handlers = append(handlers, NewBufferedHandler("sql", cfg.Buffering, s, opts...))
	}
	if cfg.HTTP != nil {
		s, err := NewHTTPSink(*cfg.HTTP, opts...)
		if err != nil {
			return fail(fmt.Errorf("http: %w", err))
		}
		handlers = append(handlers, NewBufferedHandler("http", cfg.Buffering, s, opts...))
	}
	if cfg.Syslog != nil {
		h, err := NewSyslogHandler(*cfg.Syslog, opts...)
		if err != nil {
			return fail(fmt.Errorf("syslog: %w", err))
		}
		switch cfg.Syslog.Mode {
		case SyslogAsync:
			handlers = append(handlers, &asyncSyslogHandler{
				name: "syslog",
				pub:  NewSyslogAsyncPublisher(h, cfg.Syslog.QueueSize, cfg.Syslog.BatchSize, cfg.Syslog.PollTimeout),
			})
		case SyslogBuffered:
			handlers = append(handlers, NewBufferedHandler("syslog", cfg.Buffering, h, opts...))
		default:
			handlers = append(handlers, NewDirectHandler("syslog", h))
		}
	}
	if len(handlers) == 0 {
		return nil, errors.New("no audit handlers configured")
	}
	return NewService(handlers, opts...), nil
}

// Handlers returns the handler names in publish order.
func (s *Service) Handlers() []string {
	out := make([]string, len(s.handlers))
	for i, h := range s.handlers {
		out[i] = h.Name()
	}
	return out
}

// Startup starts every handler. On failure the ones already started are
// shut down again.
func (s *Service) Startup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	for i, h := range s.handlers {
		if err := h.Startup(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = s.handlers[j].Shutdown()
			}
			return fmt.Errorf("start %s: %w", h.Name(), err)
		}
	}
	s.started = true
	s.logger.Info("audit service started", zap.Strings("handlers", s.Handlers()))
	return nil
}

// Publish builds an event and hands it to every handler.
func (s *Service) Publish(ctx context.Context, topic string, fields map[string]any) (Event, error) {
	ev := NewEvent(topic, fields)
	return ev, s.PublishEvent(ctx, ev)
}

// PublishEvent hands ev to every handler. A failing handler does not stop
// the others; their errors are joined.
func (s *Service) PublishEvent(ctx context.Context, ev Event) error {
	if ev.Topic == "" {
		return errors.New("event has no topic")
	}
	var errs []error
	for _, h := range s.handlers {
		if err := h.Publish(ctx, ev); err != nil {
			s.logger.Warn("handler rejected event",
				zap.String("handler", h.Name()),
				zap.String("topic", ev.Topic),
				zap.String("id", ev.ID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops the handlers in reverse order.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for i := len(s.handlers) - 1; i >= 0; i-- {
		if err := s.handlers[i].Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.handlers[i].Name(), err))
		}
	}
	s.started = false
	s.logger.Info("audit service stopped")
	return errors.Join(errs...)
}
