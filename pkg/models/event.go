package models

import (
	"encoding/json"
	"strconv"
)

// Event is a OneBot v11 shaped event payload. Discord gateway events are
// translated into the same shape before dispatch, so the pipeline only ever
// sees this form.
type Event map[string]any

// PostType returns the event's post_type ("message", "notice",
// "meta_event", "request") or "".
func (e Event) PostType() string { return e.Str("post_type") }

// Str returns the string value at key, converting JSON numbers.
func (e Event) Str(key string) string {
	switch v := e[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Uint returns the numeric value at key as uint64, accepting both JSON
// numbers and numeric strings.
func (e Event) Uint(key string) uint64 {
	switch v := e[key].(type) {
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Int returns the numeric value at key as int64.
func (e Event) Int(key string) int64 {
	switch v := e[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Segments returns the message array as typed segments, or nil when the
// message field is absent or a plain string.
func (e Event) Segments() []Segment {
	arr, ok := e["message"].([]any)
	if !ok {
		return nil
	}
	return SegmentsFromAny(arr)
}

// Segment is one element of a OneBot message array.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Str returns a string field from the segment data, converting numbers.
func (s Segment) Str(key string) string {
	switch v := s.Data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// FirstStr returns the first non-empty string among the given data keys.
func (s Segment) FirstStr(keys ...string) string {
	for _, k := range keys {
		if v := s.Str(k); v != "" {
			return v
		}
	}
	return ""
}

// SegmentsFromAny converts a decoded JSON array into segments, skipping
// malformed entries.
func SegmentsFromAny(arr []any) []Segment {
	segs := make([]Segment, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := m["type"].(string)
		data, _ := m["data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		segs = append(segs, Segment{Type: typ, Data: data})
	}
	return segs
}

// TextSegment builds a plain text segment.
func TextSegment(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

// SegmentsToAny converts segments back to the wire representation.
func SegmentsToAny(segs []Segment) []any {
	out := make([]any, 0, len(segs))
	for _, s := range segs {
		out = append(out, map[string]any{"type": s.Type, "data": s.Data})
	}
	return out
}
