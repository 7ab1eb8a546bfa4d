package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"iotsentry/internal/model"
)

// Producers are not perfectly uniform about field names, so decoding
// accepts a small set of aliases per field.
var (
	nameKeys   = []string{"event_name", "event", "name"}
	roleKeys   = []string{"user_role", "role"}
	userKeys   = []string{"user_id", "user"}
	sourceKeys = []string{"source_id", "source", "device_ip", "ip"}
	timeKeys   = []string{"timestamp", "time", "ts"}
)

// DecodeEvent parses one JSON object into an Event.
func DecodeEvent(data []byte) (model.Event, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return model.Event{}, err
	}
	return EventFromMap(obj)
}

// DecodeLine parses one NDJSON line, skipping blanks.
func DecodeLine(line string) (model.Event, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.Event{}, false, nil
	}
	ev, err := DecodeEvent([]byte(line))
	if err != nil {
		return model.Event{}, false, err
	}
	return ev, true, nil
}

func EventFromMap(obj map[string]any) (model.Event, error) {
	name := firstString(obj, nameKeys)
	if name == "" {
		return model.Event{}, errors.New("missing event_name")
	}
	ev := model.Event{
		EventName: name,
		UserRole:  model.Role(strings.ToUpper(firstString(obj, roleKeys))),
		UserID:    firstString(obj, userKeys),
		SourceID:  firstString(obj, sourceKeys),
		Timestamp: time.Now().UTC(),
	}
	if raw, ok := firstValue(obj, timeKeys); ok {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return model.Event{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ev.Timestamp = ts
	}
	if ctx, ok := obj["context"].(map[string]any); ok {
		ev.Context = ctx
	}
	return ev, nil
}

func firstString(obj map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func firstValue(obj map[string]any, keys []string) (any, bool) {
	for _, key := range keys {
		if v, ok := obj[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return time.Time{}, errors.New("empty timestamp")
		}
		if isNumeric(v) {
			return parseUnix(v)
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", v)
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if (ch < '0' || ch > '9') && ch != '.' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if dot := strings.IndexByte(value, '.'); dot >= 0 {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec := int64(f)
		nsec := int64((f - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
