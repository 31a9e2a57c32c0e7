package auditlog

import (
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// Option customizes handlers, sinks and publishers.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	now        func() time.Time
	httpClient *http.Client
	openFile   fileOpener
	dial       syslogDialer
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now, used for archive names and enqueue times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithHTTPClient sets the client used by the HTTP sink.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

func withFileOpener(open fileOpener) Option {
	return func(o *options) { o.openFile = open }
}

func withSyslogDialer(d syslogDialer) Option {
	return func(o *options) { o.dial = d }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		openFile: openAppend,
		dial:     dialSyslog,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func openAppend(path string) (appendFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return f, nil
}
