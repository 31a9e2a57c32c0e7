package auditlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event is a single audit event. Fields are deep-copied on construction so
// an Event handed to a publisher is never mutated by its producer.
type Event struct {
	ID     string
	Topic  string
	Time   time.Time
	Fields map[string]any
}

// NewEvent builds an Event with a fresh record id and the current time.
func NewEvent(topic string, fields map[string]any) Event {
	return Event{
		ID:     uuid.NewString(),
		Topic:  topic,
		Time:   time.Now().UTC(),
		Fields: copyFields(fields),
	}
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyFields(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}

// Flatten returns the event's fields keyed by dotted path with every leaf
// rendered as a cell value. Keys whose value could not be rendered are
// returned in bad and map to the empty string.
func (e Event) Flatten() (cells map[string]string, bad []string) {
	cells = make(map[string]string)
	flattenInto("", e.Fields, cells, &bad)
	sort.Strings(bad)
	return cells, bad
}

// FieldNames returns the flattened field names of e in byte order.
func (e Event) FieldNames() []string {
	cells, _ := e.Flatten()
	names := make([]string, 0, len(cells))
	for k := range cells {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func flattenInto(prefix string, fields map[string]any, out map[string]string, bad *[]string) {
	for k, v := range fields {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(key, nested, out, bad)
			continue
		}
		s, err := formatValue(v)
		if err != nil {
			*bad = append(*bad, key)
			s = ""
		}
		out[key] = s
	}
}

// formatValue renders a leaf as text. Lists and unknown kinds are written
// as JSON.
func formatValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		return t.String(), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("format value: %w", err)
		}
		return string(b), nil
	}
}

// jsonFields returns a copy of fields restricted to the value kinds that
// survive a JSON round trip.
func jsonFields(fields map[string]any) (map[string]any, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
