package auditlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// csvFormat writes rows with every cell double-quoted and embedded quotes
// doubled. The HMAC covers the exact cell bytes, so read returns cells
// byte for byte: CR, LF and invalid UTF-8 inside quotes are kept as written.
type csvFormat struct {
	delimiter rune
	eol       string
}

func newCSVFormat(delimiter, eol string) (csvFormat, error) {
	f := csvFormat{delimiter: ',', eol: "\n"}
	if delimiter != "" {
		r, n := utf8.DecodeRuneInString(delimiter)
		if n != len(delimiter) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
			return f, fmt.Errorf("invalid csv delimiter %q", delimiter)
		}
		f.delimiter = r
	}
	switch eol {
	case "":
	case "\n", "\r\n":
		f.eol = eol
	default:
		return f, fmt.Errorf("invalid csv record delimiter %q", eol)
	}
	return f, nil
}

func (f csvFormat) line(cells []string) string {
	var b strings.Builder
	for i, c := range cells {
		if i > 0 {
			b.WriteRune(f.delimiter)
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(c, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteString(f.eol)
	return b.String()
}

var errCSVSyntax = errors.New("csv syntax")

// read parses every row of r.
func (f csvFormat) read(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	delim := []byte(string(f.delimiter))
	var rows [][]string
	for pos := 0; pos < len(data); {
		row, next, err := parseRow(data, pos, delim)
		if err != nil {
			return nil, fmt.Errorf("parse csv: record %d: %w", len(rows)+1, err)
		}
		rows = append(rows, row)
		pos = next
	}
	return rows, nil
}

// parseRow reads one record starting at pos and returns the offset of the
// next one. Records end with LF, CRLF or the end of data.
func parseRow(data []byte, pos int, delim []byte) ([]string, int, error) {
	var row []string
	for {
		if pos >= len(data) || data[pos] != '"' {
			return nil, pos, fmt.Errorf("%w: offset %d: cell does not start with a quote", errCSVSyntax, pos)
		}
		pos++
		var cell []byte
		for {
			i := bytes.IndexByte(data[pos:], '"')
			if i < 0 {
				return nil, pos, fmt.Errorf("%w: offset %d: unterminated cell", errCSVSyntax, pos)
			}
			cell = append(cell, data[pos:pos+i]...)
			pos += i + 1
			if pos < len(data) && data[pos] == '"' {
				cell = append(cell, '"')
				pos++
				continue
			}
			break
		}
		row = append(row, string(cell))

		rest := data[pos:]
		switch {
		case len(rest) == 0:
			return row, pos, nil
		case bytes.HasPrefix(rest, delim):
			pos += len(delim)
		case rest[0] == '\n':
			return row, pos + 1, nil
		case bytes.HasPrefix(rest, []byte("\r\n")):
			return row, pos + 2, nil
		default:
			return nil, pos, fmt.Errorf("%w: offset %d: unexpected %q after cell", errCSVSyntax, pos, rest[0])
		}
	}
}

// sortFields orders names with locale-aware collation, falling back to
// byte order for ties so the result is deterministic.
func sortFields(names []string, locale string) []string {
	tag := language.Und
	if locale != "" {
		if t, err := language.Parse(locale); err == nil {
			tag = t
		}
	}
	out := append([]string(nil), names...)
	col := collate.New(tag)
	sort.SliceStable(out, func(i, j int) bool {
		if c := col.CompareString(out[i], out[j]); c != 0 {
			return c < 0
		}
		return out[i] < out[j]
	})
	return out
}
