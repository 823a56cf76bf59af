package runtime

import "strings"

// DecodeCQEntities reverses the CQ code escaping applied to field
// values inside [CQ:...] segments.
func DecodeCQEntities(s string) string {
	s = strings.ReplaceAll(s, "&#91;", "[")
	s = strings.ReplaceAll(s, "&#93;", "]")
	s = strings.ReplaceAll(s, "&#44;", ",")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// EncodeCQEntities escapes a value for embedding in a CQ code field.
func EncodeCQEntities(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	s = strings.ReplaceAll(s, ",", "&#44;")
	return s
}

// ParseCQField extracts a field value from the first [CQ:<cqType>,...]
// segment in raw. The value is entity-decoded.
func ParseCQField(raw, cqType, field string) (string, bool) {
	marker := "[CQ:" + cqType
	start := 0
	for {
		idx := strings.Index(raw[start:], marker)
		if idx < 0 {
			return "", false
		}
		idx += start
		end := strings.Index(raw[idx:], "]")
		if end < 0 {
			return "", false
		}
		seg := raw[idx : idx+end]
		if v, ok := cqSegmentField(seg, field); ok {
			return DecodeCQEntities(v), true
		}
		start = idx + end + 1
	}
}

// cqSegmentField finds "<field>=" inside one bracketless CQ segment
// body and returns the value up to the next comma.
func cqSegmentField(seg, field string) (string, bool) {
	needle := "," + field + "="
	idx := strings.Index(seg, needle)
	if idx < 0 {
		return "", false
	}
	val := seg[idx+len(needle):]
	if comma := strings.IndexByte(val, ','); comma >= 0 {
		val = val[:comma]
	}
	return val, true
}

// ParseReplyID extracts the id of a [CQ:reply,...] segment in raw.
func ParseReplyID(raw string) (string, bool) {
	return ParseCQField(raw, "reply", "id")
}
