package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"
)

// sseUsageParser scans a Server-Sent Events byte stream for `data: {...}`
// frames and keeps the most recently observed usage/model pair, per the
// "opportunistically parse SSE data: frames to extract terminal usage"
// requirement. Unlike a merge-by-largest-total strategy, the most recent
// non-empty observation always wins, since the terminal chunk carrying
// final usage is expected last in the stream.
type sseUsageParser struct {
	pending []byte

	model            string
	promptTokens     int
	completionTokens int
	totalTokens      int
}

func newSSEUsageParser() *sseUsageParser {
	return &sseUsageParser{pending: make([]byte, 0, 1024)}
}

func (p *sseUsageParser) consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.pending = append(p.pending, chunk...)
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSpace(string(p.pending[:idx]))
		p.pending = p.pending[idx+1:]
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		p.consumeFrame(data)
	}
}

func (p *sseUsageParser) consumeFrame(data string) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return
	}
	if m, ok := payload["model"].(string); ok && m != "" {
		p.model = m
	}
	usageRaw, ok := payload["usage"]
	if !ok {
		return
	}
	usageMap, ok := usageRaw.(map[string]any)
	if !ok {
		return
	}
	prompt := intField(usageMap, "prompt_tokens")
	completion := intField(usageMap, "completion_tokens")
	total := intField(usageMap, "total_tokens")
	if total == 0 {
		total = prompt + completion
	}
	if prompt == 0 && completion == 0 && total == 0 {
		return
	}
	p.promptTokens, p.completionTokens, p.totalTokens = prompt, completion, total
}

func (p *sseUsageParser) result() (model string, prompt, completion, total int) {
	return p.model, p.promptTokens, p.completionTokens, p.totalTokens
}

func intField(m map[string]any, key string) int {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return int(f)
	case int:
		return n
	}
	return 0
}
