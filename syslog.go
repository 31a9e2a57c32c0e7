package auditlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DocumentationEnterpriseID is the private enterprise number reserved for
// examples (RFC 5612), used when none is configured.
const DocumentationEnterpriseID = 32473

// Syslog delivery modes.
const (
	SyslogSync     = "sync"
	SyslogAsync    = "async"
	SyslogBuffered = "buffered"
)

// SyslogConfig configures the syslog handler.
type SyslogConfig struct {
	Network      string                     `yaml:"network" validate:"omitempty,oneof=tcp udp"`
	Address      string                     `yaml:"address" validate:"required,hostname_port"`
	Facility     string                     `yaml:"facility"`
	AppName      string                     `yaml:"app_name"`
	Hostname     string                     `yaml:"hostname"`
	EnterpriseID int                        `yaml:"enterprise_id" validate:"min=0"`
	Mode         string                     `yaml:"mode" validate:"omitempty,oneof=sync async buffered"`
	QueueSize    int                        `yaml:"queue_size" validate:"min=0"`
	BatchSize    int                        `yaml:"batch_size" validate:"min=0"`
	PollTimeout  time.Duration              `yaml:"poll_timeout" validate:"gte=0"`
	DialTimeout  time.Duration              `yaml:"dial_timeout" validate:"gte=0"`
	Severity     map[string]SeverityMapping `yaml:"severity"`
}

// SeverityMapping derives a topic's severity from one of its fields.
// Values maps field values to severity names; Default applies otherwise.
type SeverityMapping struct {
	Field   string            `yaml:"field"`
	Values  map[string]string `yaml:"values"`
	Default string            `yaml:"default"`
}

var facilities = map[string]int{
	"kern": 0, "user": 1, "mail": 2, "daemon": 3, "auth": 4, "syslog": 5,
	"lpr": 6, "news": 7, "uucp": 8, "cron": 9, "authpriv": 10, "ftp": 11,
	"local0": 16, "local1": 17, "local2": 18, "local3": 19,
	"local4": 20, "local5": 21, "local6": 22, "local7": 23,
}

var severities = map[string]int{
	"emergency": 0, "emerg": 0, "alert": 1, "critical": 2, "crit": 2,
	"error": 3, "err": 3, "warning": 4, "warn": 4, "notice": 5,
	"informational": 6, "info": 6, "debug": 7,
}

const severityInfo = 6

// syslogFormatter renders events as RFC 5424 messages. Every flattened
// field becomes a structured-data parameter; there is no free-form MSG.
type syslogFormatter struct {
	facility     int
	hostname     string
	appName      string
	enterpriseID int
	severity     map[string]SeverityMapping
}

func newSyslogFormatter(cfg SyslogConfig) (syslogFormatter, error) {
	f := syslogFormatter{
		facility:     facilities["local0"],
		hostname:     cfg.Hostname,
		appName:      cfg.AppName,
		enterpriseID: cfg.EnterpriseID,
		severity:     cfg.Severity,
	}
	if cfg.Facility != "" {
		code, ok := facilities[strings.ToLower(cfg.Facility)]
		if !ok {
			return f, fmt.Errorf("unknown syslog facility %q", cfg.Facility)
		}
		f.facility = code
	}
	if f.hostname == "" {
		f.hostname, _ = os.Hostname()
	}
	if f.appName == "" {
		f.appName = "auditlog"
	}
	if f.enterpriseID == 0 {
		f.enterpriseID = DocumentationEnterpriseID
	}
	for topic, m := range cfg.Severity {
		for _, name := range append(mapValues(m.Values), m.Default) {
			if _, ok := severities[strings.ToLower(name)]; name != "" && !ok {
				return f, fmt.Errorf("topic %s: unknown severity %q", topic, name)
			}
		}
	}
	return f, nil
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func (f syslogFormatter) severityOf(ev Event, cells map[string]string) int {
	m, ok := f.severity[ev.Topic]
	if !ok {
		return severityInfo
	}
	name := m.Default
	if v, ok := m.Values[cells[m.Field]]; ok {
		name = v
	}
	if sev, ok := severities[strings.ToLower(name)]; ok {
		return sev
	}
	return severityInfo
}

// Format renders ev.
func (f syslogFormatter) Format(ev Event) []byte {
	cells, _ := ev.Flatten()
	pri := f.facility*8 + f.severityOf(ev, cells)
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString("<")
	b.WriteString(strconv.Itoa(pri))
	b.WriteString(">1 ")
	b.WriteString(ts.UTC().Format("2006-01-02T15:04:05.000000Z07:00"))
	b.WriteByte(' ')
	b.WriteString(headerField(f.hostname, 255))
	b.WriteByte(' ')
	b.WriteString(headerField(f.appName, 48))
	b.WriteString(" - ")
	b.WriteString(headerField(ev.Topic, 32))
	b.WriteByte(' ')

	b.WriteByte('[')
	b.WriteString(sdName(ev.Topic, 32-len(strconv.Itoa(f.enterpriseID))-1))
	b.WriteByte('@')
	b.WriteString(strconv.Itoa(f.enterpriseID))
	writeParam(&b, "id", ev.ID)
	names := make([]string, 0, len(cells))
	for k := range cells {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		writeParam(&b, sdName(k, 32), cells[k])
	}
	b.WriteByte(']')
	return []byte(b.String())
}

func writeParam(b *strings.Builder, name, value string) {
	b.WriteByte(' ')
	b.WriteString(name)
	b.WriteString(`="`)
	for _, r := range value {
		if r == '\\' || r == '"' || r == ']' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
}

// headerField returns s restricted to printable US-ASCII, or the nil value.
func headerField(s string, limit int) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() == limit {
			break
		}
		if r < 33 || r > 126 {
			r = '_'
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// sdName returns s as a valid SD-NAME.
func sdName(s string, limit int) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() == limit {
			break
		}
		if r < 33 || r > 126 || r == '=' || r == ']' || r == '"' || r == '@' {
			r = '_'
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// syslogConn is a connection to a syslog daemon.
type syslogConn interface {
	Reconnect() error
	Send(msg []byte) error
	Flush() error
	Close() error
}

type syslogDialer func(network, addr string, timeout time.Duration) (net.Conn, error)

func dialSyslog(network, addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, addr, timeout)
}

// netSyslogConn frames messages with octet counting over TCP and sends
// one datagram per message over UDP.
type netSyslogConn struct {
	network string
	addr    string
	timeout time.Duration
	dial    syslogDialer
	conn    net.Conn
	w       *bufio.Writer
}

// Reconnect dials when no connection is open.
func (c *netSyslogConn) Reconnect() error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(c.network, c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("dial syslog %s/%s: %w", c.network, c.addr, err)
	}
	c.conn = conn
	c.w = bufio.NewWriter(conn)
	return nil
}

func (c *netSyslogConn) Send(msg []byte) error {
	if c.conn == nil {
		return errors.New("syslog: not connected")
	}
	if c.network == "udp" {
		_, err := c.conn.Write(msg)
		return err
	}
	if _, err := c.w.WriteString(strconv.Itoa(len(msg))); err != nil {
		return err
	}
	if err := c.w.WriteByte(' '); err != nil {
		return err
	}
	_, err := c.w.Write(msg)
	return err
}

func (c *netSyslogConn) Flush() error {
	if c.w == nil || c.network == "udp" {
		return nil
	}
	return c.w.Flush()
}

func (c *netSyslogConn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.w = nil, nil
	return err
}

// SyslogHandler sends events to a syslog daemon. Publish sends on the
// caller's goroutine; Flush lets a Publisher drive it as a Sink.
type SyslogHandler struct {
	mu     sync.Mutex
	conn   syslogConn
	format syslogFormatter
	logger *zap.Logger
}

// NewSyslogHandler creates a handler. The connection is opened lazily.
func NewSyslogHandler(cfg SyslogConfig, opts ...Option) (*SyslogHandler, error) {
	o := buildOptions(opts)
	format, err := newSyslogFormatter(cfg)
	if err != nil {
		return nil, err
	}
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &SyslogHandler{
		conn:   &netSyslogConn{network: network, addr: cfg.Address, timeout: timeout, dial: o.dial},
		format: format,
		logger: o.logger.With(zap.String("handler", "syslog")),
	}, nil
}

// Publish formats and sends ev, reconnecting first if needed.
func (h *SyslogHandler) Publish(_ context.Context, ev Event) error {
	return h.send([][]byte{h.format.Format(ev)})
}

// Flush sends a batch. On failure the whole batch is returned for retry.
func (h *SyslogHandler) Flush(_ context.Context, batch Batch) Result {
	msgs := make([][]byte, len(batch.Records))
	for i, r := range batch.Records {
		ev := r.Event
		ev.Topic = r.Topic
		msgs[i] = h.format.Format(ev)
	}
	if err := h.send(msgs); err != nil {
		return Result{Retry: batch.Records, Err: err}
	}
	return Result{}
}

func (h *SyslogHandler) send(msgs [][]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	res := retryOnce(func() error {
		if err := h.conn.Reconnect(); err != nil {
			return err
		}
		for _, m := range msgs {
			if err := h.conn.Send(m); err != nil {
				return err
			}
		}
		return h.conn.Flush()
	}, func() error {
		_ = h.conn.Close()
		return nil
	})
	if !res.OK() {
		_ = h.conn.Close()
		h.logger.Warn("syslog send failed", zap.Int("messages", len(msgs)), zap.Error(res.Err))
		return fmt.Errorf("syslog send: %w", res.Err)
	}
	return nil
}

// release closes an idle connection; the next send reconnects.
func (h *SyslogHandler) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.conn.Close()
}

// Close closes the connection.
func (h *SyslogHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.Close()
}

// SyslogAsyncPublisher hands events to one background goroutine that
// sends them in batches. The goroutine releases the connection after
// PollTimeout without events.
type SyslogAsyncPublisher struct {
	h         *SyslogHandler
	queue     chan Event
	batchSize int
	poll      time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSyslogAsyncPublisher wraps h.
func NewSyslogAsyncPublisher(h *SyslogHandler, queueSize, batchSize int, poll time.Duration) *SyslogAsyncPublisher {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &SyslogAsyncPublisher{
		h:         h,
		queue:     make(chan Event, queueSize),
		batchSize: batchSize,
		poll:      poll,
		logger:    h.logger,
	}
}

// Startup starts the consumer.
func (p *SyslogAsyncPublisher) Startup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyStarted
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run()
	return nil
}

// Publish enqueues ev without blocking.
func (p *SyslogAsyncPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPublisherStopped
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *SyslogAsyncPublisher) run() {
	defer close(p.done)
	idle := time.NewTimer(p.poll)
	defer idle.Stop()
	for {
		select {
		case <-p.stop:
			p.drain()
			return
		case ev := <-p.queue:
			p.sendBatch(p.collect(ev))
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.poll)
		case <-idle.C:
			p.h.release()
			idle.Reset(p.poll)
		}
	}
}

func (p *SyslogAsyncPublisher) collect(first Event) []Event {
	batch := []Event{first}
	for len(batch) < p.batchSize {
		select {
		case ev := <-p.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (p *SyslogAsyncPublisher) sendBatch(batch []Event) {
	msgs := make([][]byte, len(batch))
	for i, ev := range batch {
		msgs[i] = p.h.format.Format(ev)
	}
	if err := p.h.send(msgs); err != nil {
		p.logger.Error("syslog batch lost", zap.Int("events", len(batch)), zap.Error(err))
	}
}

func (p *SyslogAsyncPublisher) drain() {
	for {
		select {
		case ev := <-p.queue:
			p.sendBatch(p.collect(ev))
		default:
			return
		}
	}
}

// Shutdown sends what is queued and closes the connection.
func (p *SyslogAsyncPublisher) Shutdown() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()
	close(p.stop)
	<-p.done
	return p.h.Close()
}
