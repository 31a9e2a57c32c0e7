package auditlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire encodings of an event batch.
const (
	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"

	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/x-protobuf"
)

// Reserved keys carrying the event envelope on the wire.
const (
	wireID    = "_id"
	wireTopic = "_topic"
	wireTime  = "_time"
	wireEvent = "event"
)

// isProtobufContent checks if a content type names protobuf.
func isProtobufContent(contentType string) bool {
	return strings.HasPrefix(contentType, contentTypeProtobuf) ||
		strings.HasPrefix(contentType, "application/protobuf")
}

// encodeJSONLines writes one JSON object per record, newline separated.
// The event fields sit at the top level next to the reserved keys.
func encodeJSONLines(recs []BufferedRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		obj := make(map[string]any, len(r.Event.Fields)+3)
		for k, v := range r.Event.Fields {
			obj[k] = v
		}
		obj[wireID] = r.Event.ID
		obj[wireTopic] = r.Topic
		obj[wireTime] = r.Event.Time.UTC().Format(time.RFC3339Nano)
		if err := enc.Encode(obj); err != nil {
			return nil, fmt.Errorf("encode event %s: %w", r.Event.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// decodeJSONLines reads events written by encodeJSONLines.
func decodeJSONLines(r io.Reader) ([]Event, error) {
	var out []Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		obj := map[string]any{}
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ev := Event{Fields: obj}
		ev.ID, _ = obj[wireID].(string)
		ev.Topic, _ = obj[wireTopic].(string)
		if ts, ok := obj[wireTime].(string); ok {
			ev.Time, _ = time.Parse(time.RFC3339Nano, ts)
		}
		delete(obj, wireID)
		delete(obj, wireTopic)
		delete(obj, wireTime)
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// toProtoBatch converts records to a structpb list of envelopes.
func toProtoBatch(recs []BufferedRecord) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(recs))}
	for _, r := range recs {
		fields, err := jsonFields(r.Event.Fields)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", r.Event.ID, err)
		}
		body, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", r.Event.ID, err)
		}
		env := &structpb.Struct{Fields: map[string]*structpb.Value{
			wireID:    structpb.NewStringValue(r.Event.ID),
			wireTopic: structpb.NewStringValue(r.Topic),
			wireTime:  structpb.NewStringValue(r.Event.Time.UTC().Format(time.RFC3339Nano)),
			wireEvent: structpb.NewStructValue(body),
		}}
		list.Values = append(list.Values, structpb.NewStructValue(env))
	}
	return list, nil
}

// fromProtoBatch converts a structpb list back to events.
func fromProtoBatch(list *structpb.ListValue) ([]Event, error) {
	out := make([]Event, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		env := v.GetStructValue()
		if env == nil {
			return nil, fmt.Errorf("element %d is not an object", i)
		}
		f := env.GetFields()
		ev := Event{
			ID:     f[wireID].GetStringValue(),
			Topic:  f[wireTopic].GetStringValue(),
			Fields: f[wireEvent].GetStructValue().AsMap(),
		}
		if ts := f[wireTime].GetStringValue(); ts != "" {
			ev.Time, _ = time.Parse(time.RFC3339Nano, ts)
		}
		out = append(out, ev)
	}
	return out, nil
}

func marshalProtoBatch(recs []BufferedRecord) ([]byte, error) {
	list, err := toProtoBatch(recs)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(list)
}

func unmarshalProtoBatch(data []byte) ([]Event, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("unmarshal protobuf: %w", err)
	}
	return fromProtoBatch(&list)
}
