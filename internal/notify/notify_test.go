package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	m, err := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestSubscribe_DedupesByEndpoint(t *testing.T) {
	m := newTestManager(t)
	sub := &webpush.Subscription{Endpoint: "https://push.example/abc"}

	m.Subscribe(sub)
	m.Subscribe(sub)

	if len(m.subscriptions) != 1 {
		t.Fatalf("subscriptions = %d, want 1 after duplicate Subscribe", len(m.subscriptions))
	}
}

func TestUnsubscribe_RemovesMatchingEndpoint(t *testing.T) {
	m := newTestManager(t)
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"})
	m.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/b"})

	m.Unsubscribe("https://push.example/a")

	if len(m.subscriptions) != 1 || m.subscriptions[0].Endpoint != "https://push.example/b" {
		t.Fatalf("subscriptions = %+v, want only endpoint b left", m.subscriptions)
	}
}

func TestNotify_UnknownEventKindIsANoOp(t *testing.T) {
	m := newTestManager(t)
	if err := m.Notify(context.Background(), Event{Kind: "nonsense"}); err != nil {
		t.Fatalf("Notify with unknown kind: %v", err)
	}
}

func TestSlackNotifier_UnknownEventKindSkipsNetworkCall(t *testing.T) {
	s := NewSlackNotifier("xoxb-fake", "#agents", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Notify(context.Background(), Event{Kind: "nonsense"}); err != nil {
		t.Fatalf("Notify with unknown kind: %v", err)
	}
}

func TestVAPIDPublicKey_PersistsAcrossManagers(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := NewManager(logger)
	if err != nil {
		t.Fatalf("NewManager (first): %v", err)
	}
	second, err := NewManager(logger)
	if err != nil {
		t.Fatalf("NewManager (second): %v", err)
	}
	if first.VAPIDPublicKey() != second.VAPIDPublicKey() {
		t.Fatal("expected VAPID keys to persist and be reused across Manager instances")
	}
}
