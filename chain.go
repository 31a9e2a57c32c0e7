package auditlog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the size in bytes of the chain keys (SHA-256 output size).
const KeySize = 32

// Reserved column names appended to the data columns of a secure file.
const (
	ColumnHMAC      = "HMAC"
	ColumnSignature = "Signature"
)

var (
	// ErrHMACMismatch indicates a recomputed HMAC differs from the stored one.
	ErrHMACMismatch = errors.New("hmac mismatch: tampering or wrong key")
	// ErrBadSignature indicates an embedded signature failed verification.
	ErrBadSignature = errors.New("invalid signature")
	// ErrMalformedRow indicates a row that cannot be part of a chain.
	ErrMalformedRow = errors.New("malformed row")
	// ErrUnsignedTail indicates rows after the last signature of a closed file.
	ErrUnsignedTail = errors.New("missing trailing signature")
)

// ChainState is the running state of one file's HMAC chain.
type ChainState struct {
	LastHMAC           []byte
	LastSignature      []byte
	CurrentKey         [KeySize]byte
	RowsSinceSignature int
}

func newChainState(initial [KeySize]byte) ChainState {
	return ChainState{CurrentKey: initial}
}

// advance returns the state after a row holding cells, and that row's HMAC.
// hmac[n] = HMAC-SHA256(key[n], hmac[n-1] || cells...), key[n+1] = SHA-256(key[n]).
func (s ChainState) advance(cells []string) (ChainState, [32]byte) {
	chunks := make([][]byte, 0, len(cells)+1)
	chunks = append(chunks, s.LastHMAC)
	for _, c := range cells {
		chunks = append(chunks, []byte(c))
	}
	tag := mac(s.CurrentKey[:], chunks...)

	next := s
	next.LastHMAC = append([]byte(nil), tag[:]...)
	next.CurrentKey = rotateKey(s.CurrentKey)
	next.RowsSinceSignature++
	return next, tag
}

// signaturePayload is the message covered by the next signature.
func (s ChainState) signaturePayload() []byte {
	out := make([]byte, 0, len(s.LastHMAC)+len(s.LastSignature))
	out = append(out, s.LastHMAC...)
	return append(out, s.LastSignature...)
}

func (s ChainState) withSignature(sig []byte) ChainState {
	s.LastSignature = append([]byte(nil), sig...)
	s.RowsSinceSignature = 0
	return s
}

// rotateKey performs the one-way key evolution K_{n+1} = H(K_n).
func rotateKey(k [KeySize]byte) [KeySize]byte { return sha256.Sum256(k[:]) }

func mac(key []byte, chunks ...[]byte) [32]byte {
	h := hmac.New(sha256.New, key)
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// constantTimeEqual performs constant-time comparison of two byte slices.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result byte
	for i := range a {
		result |= a[i] ^ b[i]
	}
	return result == 0
}

// csvLayout describes the columns of a CSV file.
type csvLayout struct {
	fields       []string
	secure       bool
	hasSignature bool
}

func newLayout(fields []string, secure, signed bool) csvLayout {
	return csvLayout{
		fields:       append([]string(nil), fields...),
		secure:       secure,
		hasSignature: secure && signed,
	}
}

// parseLayout recovers the layout from a header row.
func parseLayout(header []string, secure bool) (csvLayout, error) {
	if !secure {
		return newLayout(header, false, false), nil
	}
	n := len(header)
	switch {
	case n >= 3 && header[n-2] == ColumnHMAC && header[n-1] == ColumnSignature:
		return newLayout(header[:n-2], true, true), nil
	case n >= 2 && header[n-1] == ColumnHMAC:
		return newLayout(header[:n-1], true, false), nil
	default:
		return csvLayout{}, fmt.Errorf("%w: header lacks %s column", ErrMalformedRow, ColumnHMAC)
	}
}

func (l csvLayout) header() []string {
	h := append([]string(nil), l.fields...)
	if l.secure {
		h = append(h, ColumnHMAC)
	}
	if l.hasSignature {
		h = append(h, ColumnSignature)
	}
	return h
}

func (l csvLayout) width() int { return len(l.header()) }

// row assembles a full row from data cells and the reserved columns.
func (l csvLayout) row(cells []string, tag, sig []byte) []string {
	out := append([]string(nil), cells...)
	if l.secure {
		out = append(out, encodeB64(tag))
	}
	if l.hasSignature {
		out = append(out, encodeB64(sig))
	}
	return out
}

func (l csvLayout) equal(o csvLayout) bool {
	if l.secure != o.secure || l.hasSignature != o.hasSignature || len(l.fields) != len(o.fields) {
		return false
	}
	for i := range l.fields {
		if l.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

func encodeB64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func allEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}

// signatureCheck verifies sig over data.
type signatureCheck func(data, sig []byte) (bool, error)

// chainReplay is the result of replaying a file's rows.
type chainReplay struct {
	State            ChainState
	Carried          bool
	CarriedHMAC      []byte
	CarriedSignature []byte
	DataRows         int
	Signatures       int
}

// replayChain recomputes the chain over rows (header excluded) starting
// from initial. With strict set, a signed layout must end on a signature.
func replayChain(rows [][]string, layout csvLayout, initial [KeySize]byte, verify signatureCheck, strict bool) (chainReplay, error) {
	var out chainReplay
	st := newChainState(initial)
	width := layout.width()
	nf := len(layout.fields)

	for i, row := range rows {
		line := i + 2
		if len(row) != width {
			return out, fmt.Errorf("line %d: %w: %d cells, want %d", line, ErrMalformedRow, len(row), width)
		}
		data := row[:nf]
		tag, err := decodeB64(row[nf])
		if err != nil {
			return out, fmt.Errorf("line %d: %w: hmac: %v", line, ErrMalformedRow, err)
		}
		var sig []byte
		if layout.hasSignature {
			if sig, err = decodeB64(row[nf+1]); err != nil {
				return out, fmt.Errorf("line %d: %w: signature: %v", line, ErrMalformedRow, err)
			}
		}

		switch {
		case allEmpty(data) && len(tag) > 0:
			if i != 0 {
				return out, fmt.Errorf("line %d: %w: carry-over row after start", line, ErrMalformedRow)
			}
			out.Carried = true
			out.CarriedHMAC = tag
			out.CarriedSignature = sig
			st.LastHMAC = tag
			st.LastSignature = sig

		case allEmpty(data) && len(sig) > 0:
			if err := checkSignature(verify, st.signaturePayload(), sig); err != nil {
				return out, fmt.Errorf("line %d: %w", line, err)
			}
			st = st.withSignature(sig)
			out.Signatures++

		case allEmpty(data):
			return out, fmt.Errorf("line %d: %w: empty row", line, ErrMalformedRow)

		default:
			next, want := st.advance(data)
			if !constantTimeEqual(want[:], tag) {
				return out, fmt.Errorf("line %d: %w", line, ErrHMACMismatch)
			}
			st = next
			out.DataRows++
			if len(sig) > 0 {
				if err := checkSignature(verify, st.signaturePayload(), sig); err != nil {
					return out, fmt.Errorf("line %d: %w", line, err)
				}
				st = st.withSignature(sig)
				out.Signatures++
			}
		}
	}

	if strict && layout.hasSignature && st.RowsSinceSignature > 0 {
		return out, fmt.Errorf("%w: %d unsigned rows", ErrUnsignedTail, st.RowsSinceSignature)
	}
	out.State = st
	return out, nil
}

func checkSignature(verify signatureCheck, payload, sig []byte) error {
	if verify == nil {
		return fmt.Errorf("%w: no verification key", ErrBadSignature)
	}
	ok, err := verify(payload, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

func decodeB64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
