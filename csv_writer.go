package auditlog

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrPermanentWrite is returned when a row could not be written even
	// after the writer was reset and the write retried.
	ErrPermanentWrite = errors.New("csv: permanent write failure")
	// ErrEmptyRecord is returned for a record whose data cells are all empty.
	ErrEmptyRecord = errors.New("csv: record has no values")
	// ErrHeaderMismatch is returned when an existing file has other columns.
	ErrHeaderMismatch = errors.New("csv: existing header does not match")

	errWriterClosed = errors.New("csv: writer closed")
)

type appendFile interface {
	io.Writer
	Sync() error
	Close() error
}

type fileOpener func(path string) (appendFile, error)

type csvWriterConfig struct {
	path          string
	format        csvFormat
	secure        bool
	signEvery     int
	storage       *KeyStoreSecureStorage
	chainPassword string
	open          fileOpener
	logger        *zap.Logger
}

// csvWriter appends rows to one CSV file and, in secure mode, maintains the
// file's HMAC chain. All methods are safe for concurrent use.
type csvWriter struct {
	mu      sync.Mutex
	cfg     csvWriterConfig
	layout  csvLayout
	out     appendFile
	size    int64
	storage *KeyStoreSecureStorage
	state   ChainState
	rows    int
	closed  bool
}

// openCSVWriter opens the file at cfg.path, creating it with a header for
// fields when it does not exist. An existing file is resumed; with fixed
// set its header must carry exactly fields.
func openCSVWriter(cfg csvWriterConfig, fields []string, fixed bool) (*csvWriter, error) {
	w := &csvWriter{cfg: cfg, layout: newLayout(fields, cfg.secure, cfg.signEvery > 0)}

	created, err := createHeaderFile(cfg.path, cfg.format.line(w.layout.header()))
	if err != nil {
		return nil, err
	}
	if created {
		cfg.logger.Debug("created csv file", zap.String("path", cfg.path))
		if err := w.initChain(); err != nil {
			return nil, err
		}
	} else if err := w.resume(fields, fixed); err != nil {
		return nil, err
	}

	out, err := cfg.open(cfg.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.path, err)
	}
	info, err := os.Stat(cfg.path)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	w.out = out
	w.size = info.Size()
	return w, nil
}

// createHeaderFile writes header to a temporary file and links it to path.
// The link fails when path exists, so exactly one racing caller installs
// its header; the others report created=false.
func createHeaderFile(path, header string) (bool, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory: %w", err)
	}
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return false, nil
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := io.WriteString(tmp, header); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("write header: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("sync header: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	err = os.Link(name, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrExist):
		if info, serr := os.Stat(path); serr == nil && info.Size() == 0 {
			// An empty file left behind by a crash; replace it.
			if rerr := os.Rename(name, path); rerr != nil {
				return false, fmt.Errorf("replace empty %s: %w", path, rerr)
			}
			return true, nil
		}
		return false, nil
	default:
		return false, fmt.Errorf("link header for %s: %w", path, err)
	}
}

// initChain creates a fresh chain keystore with a random initial key.
func (w *csvWriter) initChain() error {
	if !w.cfg.secure {
		return nil
	}
	ksPath := KeyStorePath(w.cfg.path)
	if err := os.Remove(ksPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale keystore: %w", err)
	}
	chain, err := OpenKeyStore(ksPath, w.cfg.chainPassword)
	if err != nil {
		return err
	}
	w.storage = w.cfg.storage.WithChain(chain)

	var initial [KeySize]byte
	if _, err := rand.Read(initial[:]); err != nil {
		return err
	}
	if err := w.storage.WriteInitialKey(initial[:]); err != nil {
		return err
	}
	if err := w.storage.WriteCurrentKey(initial[:]); err != nil {
		return err
	}
	w.state = newChainState(initial)
	return nil
}

// resume rebuilds the writer state from an existing file.
func (w *csvWriter) resume(fields []string, fixed bool) error {
	f, err := os.Open(w.cfg.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.cfg.path, err)
	}
	rows, err := w.cfg.format.read(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("resume %s: %w", w.cfg.path, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("resume %s: %w: no header", w.cfg.path, ErrMalformedRow)
	}

	layout, err := parseLayout(rows[0], w.cfg.secure)
	if err != nil {
		return fmt.Errorf("resume %s: %w", w.cfg.path, err)
	}
	want := newLayout(fields, w.cfg.secure, w.cfg.signEvery > 0)
	if layout.hasSignature != want.hasSignature || (fixed && !layout.equal(want)) {
		return fmt.Errorf("%w: %s", ErrHeaderMismatch, w.cfg.path)
	}
	w.layout = layout
	w.rows = len(rows) - 1

	if !w.cfg.secure {
		return nil
	}
	ksPath := KeyStorePath(w.cfg.path)
	chain, err := LoadKeyStore(ksPath, w.cfg.chainPassword)
	if errors.Is(err, ErrKeyStoreNotFound) && w.rows == 0 {
		return w.initChain()
	}
	if err != nil {
		return fmt.Errorf("resume %s: %w", w.cfg.path, err)
	}
	w.storage = w.cfg.storage.WithChain(chain)

	initialKey, err := w.storage.ReadInitialKey()
	if err != nil {
		return fmt.Errorf("resume %s: %w", w.cfg.path, err)
	}
	if len(initialKey) != KeySize {
		return fmt.Errorf("resume %s: initial key has %d bytes", w.cfg.path, len(initialKey))
	}
	var initial [KeySize]byte
	copy(initial[:], initialKey)

	replay, err := replayChain(rows[1:], layout, initial, w.storage.Verify, false)
	if err != nil {
		return fmt.Errorf("resume %s: %w", w.cfg.path, err)
	}
	w.state = replay.State

	if stored, err := w.storage.ReadCurrentKey(); err != nil || !constantTimeEqual(stored, w.state.CurrentKey[:]) {
		w.cfg.logger.Warn("stored current key differs from replayed chain, using replayed key",
			zap.String("path", w.cfg.path))
		if err := w.storage.WriteCurrentKey(w.state.CurrentKey[:]); err != nil {
			return err
		}
	}
	w.cfg.logger.Info("resumed csv file",
		zap.String("path", w.cfg.path),
		zap.Int("rows", w.rows),
		zap.Int("unsigned", w.state.RowsSinceSignature))
	return nil
}

// Append writes one record. cells maps field names to values; names not in
// the header are ignored.
func (w *csvWriter) Append(cells map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errWriterClosed
	}

	data := make([]string, len(w.layout.fields))
	known := make(map[string]struct{}, len(w.layout.fields))
	for i, f := range w.layout.fields {
		data[i] = cells[f]
		known[f] = struct{}{}
	}
	if allEmpty(data) {
		return ErrEmptyRecord
	}
	if len(cells) > len(known) {
		var ignored []string
		for k := range cells {
			if _, ok := known[k]; !ok {
				ignored = append(ignored, k)
			}
		}
		if len(ignored) > 0 {
			sort.Strings(ignored)
			w.cfg.logger.Warn("fields not in header ignored",
				zap.String("path", w.cfg.path), zap.Strings("fields", ignored))
		}
	}

	next := w.state
	var tag, sig []byte
	if w.cfg.secure {
		var t [32]byte
		next, t = w.state.advance(data)
		tag = t[:]
		if w.cfg.signEvery > 0 && next.RowsSinceSignature >= w.cfg.signEvery {
			s, err := w.storage.Sign(next.signaturePayload())
			if err != nil {
				return fmt.Errorf("sign row: %w", err)
			}
			next = next.withSignature(s)
			sig = s
		}
	}

	if err := w.writeLocked(w.cfg.format.line(w.layout.row(data, tag, sig))); err != nil {
		return err
	}
	w.state = next
	w.rows++
	w.persistLocked(sig)
	return nil
}

// writeCarryOver writes the chain tail of the previous file as the first
// row of this one.
func (w *csvWriter) writeCarryOver(lastHMAC, lastSig []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.cfg.secure || len(lastHMAC) == 0 {
		return nil
	}
	if w.rows != 0 {
		return fmt.Errorf("carry-over into non-empty %s", w.cfg.path)
	}
	if !w.layout.hasSignature {
		lastSig = nil
	}
	empty := make([]string, len(w.layout.fields))
	if err := w.writeLocked(w.cfg.format.line(w.layout.row(empty, lastHMAC, lastSig))); err != nil {
		return err
	}
	w.state.LastHMAC = append([]byte(nil), lastHMAC...)
	w.state.LastSignature = append([]byte(nil), lastSig...)
	w.rows++
	w.persistLocked(lastSig)
	return nil
}

// signLocked seals unsigned rows with a signature row.
func (w *csvWriter) signLocked() error {
	if !w.layout.hasSignature || w.state.RowsSinceSignature == 0 {
		return nil
	}
	sig, err := w.storage.Sign(w.state.signaturePayload())
	if err != nil {
		return fmt.Errorf("sign tail: %w", err)
	}
	empty := make([]string, len(w.layout.fields))
	if err := w.writeLocked(w.cfg.format.line(w.layout.row(empty, nil, sig))); err != nil {
		return err
	}
	w.state = w.state.withSignature(sig)
	w.rows++
	w.persistLocked(sig)
	return nil
}

// writeLocked appends line. A failed attempt may leave part of the line
// behind, so the file is cut back to its previous size before the retry
// and again after a permanent failure.
func (w *csvWriter) writeLocked(line string) error {
	before := w.size
	res := retryOnce(func() error {
		if w.out == nil {
			return errors.New("file not open")
		}
		_, err := io.WriteString(w.out, line)
		return err
	}, func() error { return w.resetLocked(before) })
	if !res.OK() {
		if err := w.resetLocked(before); err != nil {
			w.cfg.logger.Error("csv truncate after failed write",
				zap.String("path", w.cfg.path), zap.Error(err))
		}
		w.cfg.logger.Error("csv write failed after reset",
			zap.String("path", w.cfg.path), zap.Int("tries", res.Tries), zap.Error(res.Err))
		return fmt.Errorf("%w: %s: %v", ErrPermanentWrite, w.cfg.path, res.Err)
	}
	if res.Tries > 1 {
		w.cfg.logger.Warn("csv write succeeded after reset", zap.String("path", w.cfg.path))
	}
	w.size = before + int64(len(line))
	return nil
}

// resetLocked closes the file, truncates it to size and reopens it.
func (w *csvWriter) resetLocked(size int64) error {
	if w.out != nil {
		_ = w.out.Close()
		w.out = nil
	}
	if err := os.Truncate(w.cfg.path, size); err != nil {
		return fmt.Errorf("truncate %s: %w", w.cfg.path, err)
	}
	out, err := w.cfg.open(w.cfg.path)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", w.cfg.path, err)
	}
	w.out = out
	return nil
}

func (w *csvWriter) persistLocked(sig []byte) {
	if !w.cfg.secure {
		return
	}
	if err := w.storage.WriteCurrentKey(w.state.CurrentKey[:]); err != nil {
		w.cfg.logger.Error("persist current key", zap.String("path", w.cfg.path), zap.Error(err))
	}
	if len(sig) > 0 {
		if err := w.storage.WriteCurrentSignatureKey(sig); err != nil {
			w.cfg.logger.Error("persist current signature", zap.String("path", w.cfg.path), zap.Error(err))
		}
	}
}

// Sync flushes the file to stable storage.
func (w *csvWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.out == nil {
		return nil
	}
	return w.out.Sync()
}

// Size returns the current file size in bytes.
func (w *csvWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Tail returns the last HMAC and signature of the chain.
func (w *csvWriter) Tail() (lastHMAC, lastSig []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.state.LastHMAC...), append([]byte(nil), w.state.LastSignature...)
}

// Close seals the chain with a final signature and closes the file.
func (w *csvWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if err := w.signLocked(); err != nil {
		errs = append(errs, err)
	}
	if w.out != nil {
		if err := w.out.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", w.cfg.path, err))
		}
		if err := w.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", w.cfg.path, err))
		}
		w.out = nil
	}
	return errors.Join(errs...)
}
