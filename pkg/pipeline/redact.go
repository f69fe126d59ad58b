package pipeline

import (
	"regexp"
	"strings"
)

const redactedFieldMaxPreview = 32

var redactedFieldNames = map[string]struct{}{
	"image":      {},
	"data":       {},
	"content":    {},
	"image_data": {},
}

// base64Run matches a long run of base64 alphabet characters, with
// optional padding, as a heuristic for inline binary payloads that were
// not sent as a data: URL.
var base64Run = regexp.MustCompile(`^[A-Za-z0-9+/]{100,}={0,2}$`)

// redactBody walks a parsed JSON request body and replaces any
// string-valued field named image/data/content/image_data whose value
// looks like inline base64 image data, returning a copy safe to write to
// the access log. The original value is never mutated.
func redactBody(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = redactValue(k, vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = redactBody(vv)
		}
		return out
	default:
		return v
	}
}

func redactValue(key string, v any) any {
	if s, ok := v.(string); ok {
		if _, isSensitive := redactedFieldNames[strings.ToLower(key)]; isSensitive && looksLikeBase64Image(s) {
			return redactedPlaceholder(s)
		}
		return s
	}
	return redactBody(v)
}

func looksLikeBase64Image(s string) bool {
	if len(s) <= 100 {
		return false
	}
	if strings.HasPrefix(s, "data:") && strings.Contains(s, ";base64,") {
		return true
	}
	payload := s
	if idx := strings.Index(s, ";base64,"); idx >= 0 {
		payload = s[idx+len(";base64,"):]
	}
	return base64Run.MatchString(payload)
}

func redactedPlaceholder(s string) string {
	prefix := s
	if len(prefix) > redactedFieldMaxPreview {
		prefix = prefix[:redactedFieldMaxPreview]
	}
	return "[BASE64_IMAGE_REDACTED: prefix=" + prefix + "...]"
}
