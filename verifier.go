package auditlog

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// ErrChainBreak indicates an archive does not continue the chain of the
// archive before it.
var ErrChainBreak = errors.New("chain does not continue previous archive")

// VerificationResult is the outcome of verifying one archive.
type VerificationResult struct {
	File          string
	Passed        bool
	FailureReason string
}

func (r VerificationResult) String() string {
	if r.Passed {
		return "PASS " + r.File
	}
	return "FAIL " + r.File + " " + r.FailureReason
}

// ArchiveVerifier replays the rotated files of one topic in chronological
// order. It needs only the public half of the signature key.
type ArchiveVerifier struct {
	policy  FileNamingPolicy
	storage *KeyStoreSecureStorage
	format  csvFormat
	logger  *zap.Logger
}

// NewArchiveVerifier creates a verifier for the archives named by policy.
// delimiter may be empty for a comma.
func NewArchiveVerifier(policy FileNamingPolicy, storage *KeyStoreSecureStorage, delimiter string, opts ...Option) (*ArchiveVerifier, error) {
	o := buildOptions(opts)
	format, err := newCSVFormat(delimiter, "")
	if err != nil {
		return nil, err
	}
	return &ArchiveVerifier{policy: policy, storage: storage, format: format, logger: o.logger}, nil
}

// Verify lists and verifies every archive of the topic.
func (v *ArchiveVerifier) Verify() ([]VerificationResult, error) {
	files, err := v.policy.ListArchives()
	if err != nil {
		return nil, err
	}
	return v.VerifyFiles(files)
}

type archiveTail struct {
	passed bool
	hmac   []byte
	sig    []byte
}

// VerifyFiles verifies files in the given order. A failing file does not
// stop verification of the ones after it.
func (v *ArchiveVerifier) VerifyFiles(files []string) ([]VerificationResult, error) {
	password, err := v.storage.Password()
	if err != nil {
		return nil, fmt.Errorf("chain password: %w", err)
	}
	results := make([]VerificationResult, 0, len(files))
	var prev *archiveTail
	for _, file := range files {
		tail, err := v.verifyFile(file, password, prev)
		res := VerificationResult{File: file, Passed: err == nil}
		if err != nil {
			res.FailureReason = err.Error()
			v.logger.Warn("archive failed verification", zap.String("file", file), zap.Error(err))
		} else {
			v.logger.Debug("archive verified", zap.String("file", file))
		}
		results = append(results, res)
		tail.passed = err == nil
		prev = &tail
	}
	return results, nil
}

func (v *ArchiveVerifier) verifyFile(file, password string, prev *archiveTail) (archiveTail, error) {
	f, err := os.Open(file)
	if err != nil {
		return archiveTail{}, err
	}
	rows, err := v.format.read(f)
	_ = f.Close()
	if err != nil {
		return archiveTail{}, err
	}
	if len(rows) == 0 {
		return archiveTail{}, fmt.Errorf("%w: no header", ErrMalformedRow)
	}
	layout, err := parseLayout(rows[0], true)
	if err != nil {
		return archiveTail{}, err
	}

	chain, err := LoadKeyStore(KeyStorePath(file), password)
	if err != nil {
		return archiveTail{}, err
	}
	initialKey, err := v.storage.WithChain(chain).ReadInitialKey()
	if err != nil {
		return archiveTail{}, err
	}
	if len(initialKey) != KeySize {
		return archiveTail{}, fmt.Errorf("initial key has %d bytes", len(initialKey))
	}
	var initial [KeySize]byte
	copy(initial[:], initialKey)

	replay, err := replayChain(rows[1:], layout, initial, v.storage.Verify, true)
	if err != nil {
		return archiveTail{}, err
	}

	if prev != nil && prev.passed && len(prev.hmac) > 0 {
		if !replay.Carried {
			return archiveTail{}, fmt.Errorf("%w: missing carry-over row", ErrChainBreak)
		}
		if !bytes.Equal(replay.CarriedHMAC, prev.hmac) {
			return archiveTail{}, fmt.Errorf("%w: hmac differs", ErrChainBreak)
		}
		if layout.hasSignature && !bytes.Equal(replay.CarriedSignature, prev.sig) {
			return archiveTail{}, fmt.Errorf("%w: signature differs", ErrChainBreak)
		}
	}
	return archiveTail{hmac: replay.State.LastHMAC, sig: replay.State.LastSignature}, nil
}
