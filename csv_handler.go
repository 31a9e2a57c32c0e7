package auditlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrHandlerClosed is returned by a handler after Close.
var ErrHandlerClosed = errors.New("handler closed")

// CSVConfig configures the CSV handler.
type CSVConfig struct {
	Dir         string              `yaml:"dir" validate:"required"`
	Prefix      string              `yaml:"prefix"`
	Suffix      string              `yaml:"suffix"`
	Delimiter   string              `yaml:"delimiter" validate:"omitempty,len=1"`
	EOL         string              `yaml:"eol" validate:"omitempty,oneof=lf crlf"`
	Locale      string              `yaml:"locale"`
	Buffered    bool                `yaml:"buffered"`
	MaxFileSize int64               `yaml:"max_file_size" validate:"min=0"`
	Topics      map[string][]string `yaml:"topics"`
	Security    CSVSecurity         `yaml:"security"`
}

// CSVSecurity enables the tamper-evident columns.
type CSVSecurity struct {
	Enabled        bool   `yaml:"enabled"`
	KeyStore       string `yaml:"keystore" validate:"required_if=Enabled true"`
	Password       string `yaml:"password" validate:"required_if=Enabled true"`
	Algorithm      string `yaml:"algorithm" validate:"omitempty,oneof=rsa ecdsa ed25519"`
	SignatureEvery int    `yaml:"signature_every" validate:"min=0"`
}

func eolSequence(name string) string {
	if name == "crlf" {
		return "\r\n"
	}
	return "\n"
}

// CSVHandler writes events to one CSV file per topic. The writer registry
// and the writer swap path (creation, rotation, close) are guarded by
// separate locks; appends only take the registry read lock and the
// writer's own lock.
type CSVHandler struct {
	cfg           CSVConfig
	format        csvFormat
	storage       *KeyStoreSecureStorage
	chainPassword string
	logger        *zap.Logger
	now           func() time.Time
	open          fileOpener

	regMu   sync.RWMutex
	writers map[string]*csvWriter

	swapMu  sync.Mutex
	closed  bool
	pending map[string]chainTail
}

// chainTail is the end of an archived chain whose carry-over row has not
// been written to the new live file yet.
type chainTail struct {
	fields []string
	hmac   []byte
	sig    []byte
}

// NewCSVHandler prepares the output directory and, in secure mode, loads
// or creates the keystore holding the signature key.
func NewCSVHandler(cfg CSVConfig, opts ...Option) (*CSVHandler, error) {
	o := buildOptions(opts)
	format, err := newCSVFormat(cfg.Delimiter, eolSequence(cfg.EOL))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create csv directory: %w", err)
	}
	h := &CSVHandler{
		cfg:     cfg,
		format:  format,
		logger:  o.logger.With(zap.String("handler", "csv")),
		now:     o.now,
		open:    o.openFile,
		writers: make(map[string]*csvWriter),
		pending: make(map[string]chainTail),
	}
	if cfg.Security.Enabled {
		ks, err := GenerateMainKeyStore(cfg.Security.KeyStore, cfg.Security.Password, cfg.Security.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("csv keystore: %w", err)
		}
		if h.storage, err = NewSecureStorage(ks); err != nil {
			return nil, err
		}
		if h.chainPassword, err = h.storage.Password(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Policy returns the naming policy of topic.
func (h *CSVHandler) Policy(topic string) FileNamingPolicy {
	return FileNamingPolicy{Dir: h.cfg.Dir, Prefix: h.cfg.Prefix, Topic: topic, Suffix: h.cfg.Suffix}
}

// Publish appends ev synchronously and syncs the file.
func (h *CSVHandler) Publish(_ context.Context, ev Event) error {
	w, err := h.append(ev.Topic, ev)
	if err != nil {
		return err
	}
	return w.Sync()
}

// Flush writes a batch, topic by topic. A record that cannot be written
// is returned for retry together with the rest of its topic's records.
func (h *CSVHandler) Flush(ctx context.Context, batch Batch) Result {
	var res Result
	for _, g := range batch.GroupBy(func(r BufferedRecord) string { return r.Topic }) {
		if err := ctx.Err(); err != nil {
			res.Retry = append(res.Retry, g.Records...)
			res.Err = errors.Join(res.Err, err)
			continue
		}
		var last *csvWriter
		for i, rec := range g.Records {
			w, err := h.append(g.Key, rec.Event)
			if errors.Is(err, ErrEmptyRecord) {
				h.logger.Warn("skipping record without values",
					zap.String("topic", g.Key), zap.String("id", rec.Event.ID))
				res.Rejected = append(res.Rejected, rec)
				continue
			}
			if err != nil {
				res.Retry = append(res.Retry, g.Records[i:]...)
				res.Err = errors.Join(res.Err, err)
				break
			}
			last = w
		}
		if last != nil {
			if err := last.Sync(); err != nil {
				h.logger.Error("sync csv file", zap.String("topic", g.Key), zap.Error(err))
			}
		}
	}
	return res
}

func (h *CSVHandler) append(topic string, ev Event) (*csvWriter, error) {
	cells, bad := ev.Flatten()
	if len(bad) > 0 {
		h.logger.Warn("unrenderable fields written empty",
			zap.String("topic", topic), zap.Strings("fields", bad))
	}
	for i := 0; i < 3; i++ {
		w, err := h.writer(topic, cells)
		if err != nil {
			return nil, err
		}
		err = w.Append(cells)
		if errors.Is(err, errWriterClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if h.cfg.MaxFileSize > 0 && w.Size() >= h.cfg.MaxFileSize {
			if err := h.rotateIfCurrent(topic, w); err != nil {
				h.logger.Error("size rotation failed", zap.String("topic", topic), zap.Error(err))
			}
		}
		return w, nil
	}
	return nil, fmt.Errorf("csv: writer for %s closed during append", topic)
}

func (h *CSVHandler) lookup(topic string) *csvWriter {
	h.regMu.RLock()
	defer h.regMu.RUnlock()
	return h.writers[topic]
}

func (h *CSVHandler) register(topic string, w *csvWriter) {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	if w == nil {
		delete(h.writers, topic)
		return
	}
	h.writers[topic] = w
}

func (h *CSVHandler) writer(topic string, cells map[string]string) (*csvWriter, error) {
	if w := h.lookup(topic); w != nil {
		return w, nil
	}
	h.swapMu.Lock()
	defer h.swapMu.Unlock()
	if h.closed {
		return nil, ErrHandlerClosed
	}
	if w := h.lookup(topic); w != nil {
		return w, nil
	}

	fields, fixed := h.cfg.Topics[topic], true
	if len(fields) == 0 {
		fixed = false
		for k := range cells {
			fields = append(fields, k)
		}
	}
	w, err := h.openWriter(topic, sortFields(fields, h.cfg.Locale), fixed)
	if err != nil {
		return nil, err
	}
	h.register(topic, w)
	return w, nil
}

// openWriter opens the live file of topic and writes a carry-over row
// left pending by a failed rotation. The caller holds swapMu.
func (h *CSVHandler) openWriter(topic string, fields []string, fixed bool) (*csvWriter, error) {
	tail, pending := h.pending[topic]
	if pending {
		fields, fixed = tail.fields, true
	}
	w, err := openCSVWriter(h.writerConfig(topic), fields, fixed)
	if err != nil {
		return nil, err
	}
	if pending {
		if err := w.writeCarryOver(tail.hmac, tail.sig); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("pending carry-over: %w", err)
		}
		delete(h.pending, topic)
		h.logger.Info("wrote pending carry-over", zap.String("topic", topic))
	}
	return w, nil
}

func (h *CSVHandler) writerConfig(topic string) csvWriterConfig {
	return csvWriterConfig{
		path:          h.Policy(topic).Live(),
		format:        h.format,
		secure:        h.cfg.Security.Enabled,
		signEvery:     h.cfg.Security.SignatureEvery,
		storage:       h.storage,
		chainPassword: h.chainPassword,
		open:          h.open,
		logger:        h.logger.With(zap.String("topic", topic)),
	}
}

// Rotate seals and archives the live file of topic and starts a new one
// whose first row carries the archived chain's tail.
func (h *CSVHandler) Rotate(topic string) error {
	h.swapMu.Lock()
	defer h.swapMu.Unlock()
	if h.closed {
		return ErrHandlerClosed
	}
	w := h.lookup(topic)
	if w == nil {
		if _, err := os.Stat(h.Policy(topic).Live()); err != nil {
			return nil
		}
		var err error
		fields := sortFields(h.cfg.Topics[topic], h.cfg.Locale)
		if w, err = h.openWriter(topic, fields, len(fields) > 0); err != nil {
			return err
		}
	}
	return h.rotateLocked(topic, w)
}

func (h *CSVHandler) rotateIfCurrent(topic string, w *csvWriter) error {
	h.swapMu.Lock()
	defer h.swapMu.Unlock()
	if h.closed || h.lookup(topic) != w {
		return nil
	}
	return h.rotateLocked(topic, w)
}

func (h *CSVHandler) rotateLocked(topic string, w *csvWriter) error {
	h.register(topic, nil)
	if err := w.Close(); err != nil {
		return fmt.Errorf("close before rotation: %w", err)
	}
	lastHMAC, lastSig := w.Tail()

	policy := h.Policy(topic)
	archive, err := policy.NextArchive(h.now())
	if err != nil {
		return err
	}
	if err := os.Rename(w.cfg.path, archive); err != nil {
		return fmt.Errorf("archive %s: %w", w.cfg.path, err)
	}
	if w.storage != nil {
		if err := w.storage.ChainStore().Rename(KeyStorePath(archive)); err != nil {
			return err
		}
	}
	h.logger.Info("rotated csv file", zap.String("topic", topic), zap.String("archive", archive))

	// The archive is sealed; until a new live file holds the carry-over
	// row the tail lives only here.
	h.pending[topic] = chainTail{fields: w.layout.fields, hmac: lastHMAC, sig: lastSig}
	nw, err := h.openWriter(topic, w.layout.fields, true)
	if err != nil {
		h.logger.Error("new live file after rotation, carry-over pending",
			zap.String("topic", topic), zap.Error(err))
		return err
	}
	h.register(topic, nw)
	return nil
}

// Topics returns the topics with an open writer.
func (h *CSVHandler) Topics() []string {
	h.regMu.RLock()
	defer h.regMu.RUnlock()
	out := make([]string, 0, len(h.writers))
	for t := range h.writers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close seals and closes every open file. Pending carry-over rows are
// written first.
func (h *CSVHandler) Close() error {
	h.swapMu.Lock()
	defer h.swapMu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.regMu.Lock()
	writers := h.writers
	h.writers = make(map[string]*csvWriter)
	h.regMu.Unlock()

	var errs []error
	for topic, tail := range h.pending {
		w, err := h.openWriter(topic, tail.fields, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", topic, err))
			continue
		}
		writers[topic] = w
	}
	for topic, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}
