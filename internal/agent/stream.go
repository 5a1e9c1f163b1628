package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// Message is one line of the agent CLI's stream-json output. Only the
// fields the orchestrator inspects are typed; the rest ride along in
// Raw for the rendered array.
type Message struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Message   *AssistantBody  `json:"message,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// AssistantBody carries the content blocks of an assistant message.
type AssistantBody struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a single block of assistant output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseStream reads a JSONL file and returns every parseable message
// plus the last message of type "result", if any. Unparseable lines are
// skipped; a missing file yields an empty slice.
func ParseStream(path string) ([]Message, *Message) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		msg.Raw = json.RawMessage(line)
		messages = append(messages, msg)
	}

	var result *Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Type == "result" {
			result = &messages[i]
			break
		}
	}
	return messages, result
}

// RenderJSON writes the stream as a pretty-printed JSON array next to
// the JSONL file and returns the new path.
func RenderJSON(jsonlPath string) (string, error) {
	messages, _ := ParseStream(jsonlPath)

	raw := make([]json.RawMessage, 0, len(messages))
	for _, m := range messages {
		raw = append(raw, m.Raw)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return "", err
	}

	jsonPath := strings.TrimSuffix(jsonlPath, ".jsonl") + ".json"
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", err
	}
	return jsonPath, nil
}

// lastAssistantText returns the text of the most recent assistant
// message, looking at the final few messages only.
func lastAssistantText(messages []Message) string {
	start := len(messages) - 5
	if start < 0 {
		start = 0
	}
	for i := len(messages) - 1; i >= start; i-- {
		if text := assistantText(messages[i]); text != "" {
			return text
		}
	}
	return ""
}

// errorAssistantText returns recent assistant text that looks like an
// error report.
func errorAssistantText(messages []Message) string {
	start := len(messages) - 5
	if start < 0 {
		start = 0
	}
	for i := len(messages) - 1; i >= start; i-- {
		text := assistantText(messages[i])
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			return Truncate(text, 500)
		}
	}
	return ""
}

func assistantText(m Message) string {
	if m.Type != "assistant" || m.Message == nil {
		return ""
	}
	for _, block := range m.Message.Content {
		if block.Text != "" {
			return block.Text
		}
	}
	return ""
}
