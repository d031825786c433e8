package queue

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInboundSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbound.json")
	q, err := OpenInbound(path, nil)
	if err != nil {
		t.Fatalf("OpenInbound() error = %v", err)
	}
	env := InboundEnvelope{
		UpdateID:    7,
		ChatID:      42,
		ChatType:    "private",
		Text:        "hello",
		SessionKey:  "chat:42",
		SessionFile: "sessions/chat-42.jsonl",
	}
	if err := q.Append(env); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// A fresh process life sees the persisted item.
	q2, err := OpenInbound(path, nil)
	if err != nil {
		t.Fatalf("OpenInbound() reopen error = %v", err)
	}
	if q2.Len() != 1 {
		t.Fatalf("Len() after reopen = %d, want 1", q2.Len())
	}
	got := q2.Items()[0]
	if got.UpdateID != 7 || got.Text != "hello" || got.SessionKey != "chat:42" {
		t.Fatalf("Items()[0] = %+v", got)
	}

	if err := q2.Remove(0); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	q3, err := OpenInbound(path, nil)
	if err != nil {
		t.Fatalf("OpenInbound() error = %v", err)
	}
	if q3.Len() != 0 {
		t.Fatalf("Len() after remove+reopen = %d, want 0", q3.Len())
	}
}

func TestInboundRemoveOutOfRange(t *testing.T) {
	q, err := OpenInbound(filepath.Join(t.TempDir(), "inbound.json"), nil)
	if err != nil {
		t.Fatalf("OpenInbound() error = %v", err)
	}
	if err := q.Remove(0); err == nil {
		t.Fatalf("Remove(0) on empty queue error = nil, want error")
	}
}

func TestInboundOlderSchemaLoadsWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbound.json")
	// An item written before date/media existed.
	raw := `[{"update_id":3,"chat_id":9,"text":"old","session_key":"chat:9","session_file":"s.jsonl"}]`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	q, err := OpenInbound(path, nil)
	if err != nil {
		t.Fatalf("OpenInbound() error = %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	got := q.Items()[0]
	if got.Date != 0 || got.Media != nil || got.IsReplyToBot {
		t.Fatalf("older schema item = %+v, want zero defaults", got)
	}
}

func TestInboundCorruptFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbound.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	q, err := OpenInbound(path, nil)
	if err != nil {
		t.Fatalf("OpenInbound() error = %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestOutboundRetainAndReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbound.json")
	q, err := OpenOutbound(path, nil)
	if err != nil {
		t.Fatalf("OpenOutbound() error = %v", err)
	}
	if err := q.Append(OutboundEnvelope{ChatID: 42, Payload: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := q.Append(OutboundEnvelope{ChatID: 43, Payload: "yo"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Keep the first with a bumped attempt counter, drop the second.
	retained := q.Items()[0]
	retained.Attempt++
	if err := q.Replace([]OutboundEnvelope{retained}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	q2, err := OpenOutbound(path, nil)
	if err != nil {
		t.Fatalf("OpenOutbound() error = %v", err)
	}
	if q2.Len() != 1 {
		t.Fatalf("Len() after replace = %d, want 1", q2.Len())
	}
	if got := q2.Items()[0]; got.ChatID != 42 || got.Attempt != 1 {
		t.Fatalf("Items()[0] = %+v, want chat 42 attempt 1", got)
	}
}
