package auditlog

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// CollectorPath is the route batches are posted to.
const CollectorPath = "/api/v1/events"

// EventHandlerFunc receives a decoded batch.
type EventHandlerFunc func(ctx context.Context, events []Event) error

// Collector is an HTTP endpoint accepting batches posted by HTTPSink in
// either encoding.
type Collector struct {
	handle  EventHandlerFunc
	token   string
	maxBody int64
	logger  *zap.Logger
}

// NewCollector creates a collector passing batches to handle. A non-empty
// token must match the Authorization header.
func NewCollector(token string, handle EventHandlerFunc, opts ...Option) *Collector {
	o := buildOptions(opts)
	return &Collector{
		handle:  handle,
		token:   token,
		maxBody: 32 << 20,
		logger:  o.logger.With(zap.String("component", "collector")),
	}
}

// Routes returns the collector's router.
func (c *Collector) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post(CollectorPath, c.HandleEvents)
	return r
}

func (c *Collector) authorized(r *http.Request) bool {
	if c.token == "" {
		return true
	}
	got := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.token)) == 1
}

// decodeEvents decodes a batch from either JSON lines or protobuf.
func decodeEvents(w http.ResponseWriter, r *http.Request, limit int64) ([]Event, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if isProtobufContent(r.Header.Get("Content-Type")) {
		return unmarshalProtoBatch(body)
	}
	return decodeJSONLines(bytes.NewReader(body))
}

// HandleEvents handles POST /api/v1/events.
func (c *Collector) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	events, err := decodeEvents(w, r, c.maxBody)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, fmt.Sprintf("Batch exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid batch: %v", err), http.StatusBadRequest)
		return
	}
	if err := c.handle(r.Context(), events); err != nil {
		c.logger.Warn("batch rejected", zap.Int("events", len(events)), zap.Error(err))
		http.Error(w, fmt.Sprintf("Batch rejected: %v", err), http.StatusServiceUnavailable)
		return
	}
	c.logger.Debug("batch accepted",
		zap.Int("events", len(events)),
		zap.String("channel", r.Header.Get(ChannelHeader)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "accepted",
		"received": len(events),
	})
}

// ListenAndServe serves the collector on addr until ctx is done.
func (c *Collector) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
