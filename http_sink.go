package auditlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChannelHeader carries the sink's request channel id.
const ChannelHeader = "X-Audit-Request-Channel"

// HTTPConfig configures the HTTP sink.
type HTTPConfig struct {
	URL      string        `yaml:"url" validate:"required,url"`
	Token    string        `yaml:"token"`
	Encoding string        `yaml:"encoding" validate:"omitempty,oneof=json protobuf"`
	Channel  string        `yaml:"channel" validate:"omitempty,uuid"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// HTTPSink posts each batch to a collector in one request, either as
// newline-delimited JSON or as a protobuf list. Any transport error or
// non-2xx status hands the whole batch back for retry.
type HTTPSink struct {
	cfg     HTTPConfig
	client  *http.Client
	channel string
	logger  *zap.Logger
}

// NewHTTPSink creates a sink for cfg.URL.
func NewHTTPSink(cfg HTTPConfig, opts ...Option) (*HTTPSink, error) {
	o := buildOptions(opts)
	if cfg.URL == "" {
		return nil, fmt.Errorf("http sink: url required")
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	channel := cfg.Channel
	if channel == "" {
		channel = uuid.NewString()
	}
	return &HTTPSink{
		cfg:     cfg,
		client:  client,
		channel: channel,
		logger:  o.logger.With(zap.String("sink", "http")),
	}, nil
}

// Channel returns the request channel id sent with every batch.
func (s *HTTPSink) Channel() string { return s.channel }

func (s *HTTPSink) encode(recs []BufferedRecord) ([]byte, string, error) {
	if s.cfg.Encoding == EncodingProtobuf {
		data, err := marshalProtoBatch(recs)
		return data, contentTypeProtobuf, err
	}
	data, err := encodeJSONLines(recs)
	return data, contentTypeJSON, err
}

// Flush posts the batch.
func (s *HTTPSink) Flush(ctx context.Context, batch Batch) Result {
	if batch.Len() == 0 {
		return Result{}
	}
	var res Result
	recs := batch.Records
	data, contentType, err := s.encode(recs)
	if err != nil {
		// Encoding is deterministic, so unencodable records are rejected
		// and the rest of the batch is posted.
		res.Err = err
		recs, res.Rejected = s.splitEncodable(recs)
		s.logger.Error("encode batch",
			zap.Int("records", batch.Len()), zap.Int("rejected", len(res.Rejected)), zap.Error(err))
		if len(recs) == 0 {
			return res
		}
		if data, contentType, err = s.encode(recs); err != nil {
			return Result{Rejected: batch.Records, Err: err}
		}
	}
	if err := s.post(ctx, data, contentType); err != nil {
		res.Retry = recs
		res.Err = errors.Join(res.Err, err)
		return res
	}
	s.logger.Debug("posted batch", zap.Int("records", len(recs)))
	return res
}

func (s *HTTPSink) splitEncodable(recs []BufferedRecord) (ok, bad []BufferedRecord) {
	for _, r := range recs {
		if _, _, err := s.encode([]BufferedRecord{r}); err != nil {
			bad = append(bad, r)
		} else {
			ok = append(ok, r)
		}
	}
	return ok, bad
}

func (s *HTTPSink) post(ctx context.Context, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(ChannelHeader, s.channel)
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", s.cfg.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
