package logscan

import (
	"bufio"
	"bytes"
	"encoding/json"
)

// codexSessionMeta is the first line of a Codex JSONL log. Source can be
// either a plain string or an object carrying a "subagent" marker;
// json.RawMessage lets us decide which without a strict schema.
type codexSessionMeta struct {
	ID     string          `json:"id"`
	CWD    string          `json:"cwd"`
	Source json.RawMessage `json:"source"`
}

type codexSubagentSource struct {
	Subagent string `json:"subagent"`
}

type codexResponseItem struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func parseCodexMeta(head []byte, entry *Entry) {
	var meta codexSessionMeta
	if err := json.Unmarshal(head, &meta); err != nil {
		return
	}
	entry.SessionID = meta.ID
	entry.ProjectPath = meta.CWD
	entry.IsCodexSubagent = isSubagentSource(meta.Source)
}

func isSubagentSource(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var sub codexSubagentSource
	if err := json.Unmarshal(raw, &sub); err == nil && sub.Subagent != "" {
		return true
	}
	return false
}

// scanCodexTail parses response_item lines, which carry {role,content}.
// Unlike Claude's lines these are not discriminated by a "type" field in
// the tail — the meta line already told us this is Codex, so every
// subsequent line is treated as a response_item.
func scanCodexTail(tail []byte, entry *Entry) {
	scanner := bufio.NewScanner(bytes.NewReader(tail))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var item codexResponseItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		switch item.Role {
		case "user":
			entry.UserMessageCount++
			if text := extractCodexText(item.Content); text != "" {
				entry.LastUserMessage = text
			}
		case "assistant":
			entry.AssistantMsgCount++
		}
	}
}

func extractCodexText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return asString
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}
