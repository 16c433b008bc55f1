package logscan

import (
	"bufio"
	"bytes"
	"encoding/json"
)

// claudeLine is intentionally narrow: agent CLIs add fields over time and
// a strict struct would start silently dropping whole lines the moment a
// new one shows up. Anything not named here is ignored by
// encoding/json, which is exactly the permissive behavior the spec calls
// for.
type claudeLine struct {
	SessionID string          `json:"sessionId"`
	CWD       string          `json:"cwd"`
	Type      string          `json:"type"`
	Message   *claudeMessage  `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func parseClaudeMeta(head []byte, entry *Entry) {
	var line claudeLine
	if err := json.Unmarshal(head, &line); err != nil {
		return
	}
	entry.SessionID = line.SessionID
	entry.ProjectPath = line.CWD
}

// scanClaudeTail walks the trailing lines looking for the most recent
// user message and counting message roles seen in the tail window. A
// malformed line is skipped rather than aborting the whole scan.
func scanClaudeTail(tail []byte, entry *Entry) {
	scanner := bufio.NewScanner(bytes.NewReader(tail))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line claudeLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		if line.SessionID != "" && entry.SessionID == "" {
			entry.SessionID = line.SessionID
		}
		if line.CWD != "" && entry.ProjectPath == "" {
			entry.ProjectPath = line.CWD
		}
		switch line.Type {
		case "user":
			entry.UserMessageCount++
			if text := extractText(line.Message); text != "" {
				entry.LastUserMessage = text
			}
		case "assistant":
			entry.AssistantMsgCount++
		}
	}
}

// extractText handles both message shapes Claude's JSONL has used: a
// plain string content, or an array of {type,text} blocks where only
// "text" blocks contribute.
func extractText(msg *claudeMessage) string {
	if msg == nil || len(msg.Content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		return asString
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}
