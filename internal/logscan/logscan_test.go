package logscan

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeClaudeLog(t *testing.T, dir, name, sessionID, cwd string, extraLines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := `{"sessionId":"` + sessionID + `","cwd":"` + cwd + `","type":"session_meta"}` + "\n"
	content += `{"sessionId":"` + sessionID + `","cwd":"` + cwd + `","type":"user","message":{"role":"user","content":"hello there"}}` + "\n"
	for _, l := range extraLines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestCollectBatch_ZeroMeansUnlimited(t *testing.T) {
	dir := t.TempDir()
	writeClaudeLog(t, dir, "a.jsonl", "sess-a", "/tmp/a")
	writeClaudeLog(t, dir, "b.jsonl", "sess-b", "/tmp/b")

	s := New([]Root{{Dir: dir, AgentType: "claude"}})
	entries, err := s.CollectBatch(0)
	if err != nil {
		t.Fatalf("CollectBatch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries with max=0 (unlimited), got %d", len(entries))
	}
}

func TestCollectBatch_ClampsToMax(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		name := string(rune('a'+i)) + ".jsonl"
		writeClaudeLog(t, dir, name, "sess-"+string(rune('a'+i)), "/tmp/x")
		// ensure distinct mtimes so sort ordering is deterministic
		time.Sleep(1 * time.Millisecond)
	}
	s := New([]Root{{Dir: dir, AgentType: "claude"}})
	entries, err := s.CollectBatch(3)
	if err != nil {
		t.Fatalf("CollectBatch: %v", err)
	}
	if len(entries) > 3 {
		t.Fatalf("expected at most 3 entries, got %d", len(entries))
	}
}

func TestCollectBatch_ExtractsLastUserMessage(t *testing.T) {
	dir := t.TempDir()
	writeClaudeLog(t, dir, "a.jsonl", "sess-a", "/tmp/a",
		`{"sessionId":"sess-a","type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{"sessionId":"sess-a","type":"user","message":{"role":"user","content":[{"type":"text","text":"second message"}]}}`,
	)
	s := New([]Root{{Dir: dir, AgentType: "claude"}})
	entries, err := s.CollectBatch(0)
	if err != nil {
		t.Fatalf("CollectBatch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].LastUserMessage != "second message" {
		t.Fatalf("expected last user message to be the final one, got %q", entries[0].LastUserMessage)
	}
	if entries[0].UserMessageCount != 2 {
		t.Fatalf("expected 2 user messages counted, got %d", entries[0].UserMessageCount)
	}
}

func TestCollectBatch_SkipsMalformedLinesWithoutFailingScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jsonl")
	content := `{"sessionId":"sess-a","cwd":"/tmp/a","type":"session_meta"}` + "\n" +
		"not json at all\n" +
		`{"sessionId":"sess-a","type":"user","message":{"role":"user","content":"ok"}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := New([]Root{{Dir: dir, AgentType: "claude"}})
	entries, err := s.CollectBatch(0)
	if err != nil {
		t.Fatalf("CollectBatch: %v", err)
	}
	if len(entries) != 1 || entries[0].LastUserMessage != "ok" {
		t.Fatalf("expected malformed line to be tolerated, got %+v", entries)
	}
}

func TestCollectBatch_MissingSessionIDSkipsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jsonl")
	if err := os.WriteFile(path, []byte(`{"cwd":"/tmp/a","type":"session_meta"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := New([]Root{{Dir: dir, AgentType: "claude"}})
	entries, err := s.CollectBatch(0)
	if err != nil {
		t.Fatalf("CollectBatch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected file lacking sessionId to be skipped, got %d entries", len(entries))
	}
}

func TestCodexMeta_MarksSubagent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jsonl")
	content := `{"id":"codex-1","cwd":"/tmp/a","source":{"subagent":"reviewer"}}` + "\n" +
		`{"role":"user","content":"do the thing"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := New([]Root{{Dir: dir, AgentType: "codex"}})
	entries, err := s.CollectBatch(0)
	if err != nil {
		t.Fatalf("CollectBatch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !entries[0].IsCodexSubagent {
		t.Fatal("expected subagent source to be marked")
	}
}

func TestCodexMeta_PlainSourceIsNotSubagent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jsonl")
	content := `{"id":"codex-1","cwd":"/tmp/a","source":"cli"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := New([]Root{{Dir: dir, AgentType: "codex"}})
	entries, err := s.CollectBatch(0)
	if err != nil {
		t.Fatalf("CollectBatch: %v", err)
	}
	if len(entries) != 1 || entries[0].IsCodexSubagent {
		t.Fatalf("expected plain string source to not be a subagent, got %+v", entries)
	}
}
