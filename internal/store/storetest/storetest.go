// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pliu/ume/internal/models"
	"github.com/pliu/ume/internal/store"
)

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("AppendAssignsID", func(t *testing.T) { testAppendAssignsID(t, newStore(t)) })
	t.Run("AppendForcesUndelivered", func(t *testing.T) { testAppendForcesUndelivered(t, newStore(t)) })
	t.Run("FindUndeliveredOrder", func(t *testing.T) { testFindUndeliveredOrder(t, newStore(t)) })
	t.Run("MarkDelivered", func(t *testing.T) { testMarkDelivered(t, newStore(t)) })
	t.Run("MarkDeliveredUnknown", func(t *testing.T) { testMarkDeliveredUnknown(t, newStore(t)) })
	t.Run("ConversationBothDirections", func(t *testing.T) { testConversationBothDirections(t, newStore(t)) })
	t.Run("ConversationLimitKeepsNewest", func(t *testing.T) { testConversationLimit(t, newStore(t)) })
	t.Run("FileMessageRoundTrip", func(t *testing.T) { testFileRoundTrip(t, newStore(t)) })
}

var base = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func text(from, to, body string, at time.Time) *models.Message {
	return &models.Message{From: from, To: to, Kind: models.KindText, Text: body, SentAt: at.Format(time.RFC3339), CreatedAt: at, Lang: "en"}
}

func mustAppend(t *testing.T, s store.Store, m *models.Message) string {
	t.Helper()
	id, err := s.Append(context.Background(), m)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return id
}

func testAppendAssignsID(t *testing.T, s store.Store) {
	defer s.Close()
	m := text("alice", "bob", "hi", base)
	id := mustAppend(t, s, m)
	if id == "" {
		t.Fatal("Expected non-empty id")
	}
	if m.ID != id {
		t.Errorf("Expected m.ID %q to equal returned id %q", m.ID, id)
	}

	other := mustAppend(t, s, text("alice", "bob", "again", base))
	if other == id {
		t.Error("Expected distinct ids for distinct messages")
	}
}

func testAppendForcesUndelivered(t *testing.T, s store.Store) {
	defer s.Close()
	m := text("alice", "bob", "hi", base)
	m.Delivered = true
	mustAppend(t, s, m)

	pending, err := s.FindUndelivered(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FindUndelivered failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 undelivered message, got %d", len(pending))
	}
}

func testFindUndeliveredOrder(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		mustAppend(t, s, text("alice", "bob", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	mustAppend(t, s, text("bob", "alice", "reply", base))
	mustAppend(t, s, text("carol", "bob", "same instant", base.Add(2*time.Second)))

	pending, err := s.FindUndelivered(ctx, "bob")
	if err != nil {
		t.Fatalf("FindUndelivered failed: %v", err)
	}
	want := []string{"m0", "m1", "m2", "same instant"}
	if len(pending) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(pending))
	}
	for i, m := range pending {
		if m.Text != want[i] {
			t.Errorf("pending[%d] = %q, want %q", i, m.Text, want[i])
		}
		if m.To != "bob" {
			t.Errorf("Expected message addressed to bob, got %q", m.To)
		}
	}
}

func testMarkDelivered(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	first := mustAppend(t, s, text("alice", "bob", "one", base))
	mustAppend(t, s, text("alice", "bob", "two", base.Add(time.Second)))

	if err := s.MarkDelivered(ctx, first); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if err := s.MarkDelivered(ctx, first); err != nil {
		t.Fatalf("MarkDelivered should be idempotent, got %v", err)
	}

	pending, err := s.FindUndelivered(ctx, "bob")
	if err != nil {
		t.Fatalf("FindUndelivered failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Text != "two" {
		t.Fatalf("Expected only 'two' to remain pending, got %+v", pending)
	}

	history, err := s.FindConversation(ctx, "alice", "bob", 0)
	if err != nil {
		t.Fatalf("FindConversation failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 messages in history, got %d", len(history))
	}
	if !history[0].Delivered || history[1].Delivered {
		t.Errorf("Unexpected delivered flags: %v %v", history[0].Delivered, history[1].Delivered)
	}
}

func testMarkDeliveredUnknown(t *testing.T, s store.Store) {
	defer s.Close()
	err := s.MarkDelivered(context.Background(), "does-not-exist")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testConversationBothDirections(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	mustAppend(t, s, text("alice", "bob", "a1", base))
	mustAppend(t, s, text("bob", "alice", "b1", base.Add(time.Second)))
	mustAppend(t, s, text("alice", "carol", "other", base.Add(2*time.Second)))
	mustAppend(t, s, text("alice", "bob", "a2", base.Add(3*time.Second)))

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		history, err := s.FindConversation(ctx, pair[0], pair[1], 50)
		if err != nil {
			t.Fatalf("FindConversation failed: %v", err)
		}
		want := []string{"a1", "b1", "a2"}
		if len(history) != len(want) {
			t.Fatalf("Expected %d messages, got %d", len(want), len(history))
		}
		for i, m := range history {
			if m.Text != want[i] {
				t.Errorf("history[%d] = %q, want %q", i, m.Text, want[i])
			}
		}
	}
}

func testConversationLimit(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		mustAppend(t, s, text("alice", "bob", fmt.Sprintf("m%02d", i), base.Add(time.Duration(i)*time.Millisecond)))
	}

	history, err := s.FindConversation(ctx, "alice", "bob", 0)
	if err != nil {
		t.Fatalf("FindConversation failed: %v", err)
	}
	if len(history) != store.DefaultConversationLimit {
		t.Fatalf("Expected %d messages, got %d", store.DefaultConversationLimit, len(history))
	}
	if history[0].Text != "m10" || history[len(history)-1].Text != "m59" {
		t.Errorf("Expected m10..m59, got %s..%s", history[0].Text, history[len(history)-1].Text)
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Fatalf("History not ascending at %d", i)
		}
	}

	short, err := s.FindConversation(ctx, "alice", "bob", 5)
	if err != nil {
		t.Fatalf("FindConversation failed: %v", err)
	}
	if len(short) != 5 || short[0].Text != "m55" {
		t.Errorf("Expected last 5 messages starting at m55, got %d starting %q", len(short), short[0].Text)
	}
}

func testFileRoundTrip(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	m := &models.Message{
		From:      "alice",
		To:        "bob",
		Kind:      models.KindFile,
		File:      &models.FileRef{URL: "https://cdn/x.png", Name: "x.png", Size: 2048, Type: "image", Format: "png"},
		SentAt:    "2024-01-01T09:00:00Z",
		CreatedAt: base,
		Lang:      "de",
	}
	mustAppend(t, s, m)

	pending, err := s.FindUndelivered(ctx, "bob")
	if err != nil {
		t.Fatalf("FindUndelivered failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(pending))
	}
	got := pending[0]
	if got.Kind != models.KindFile || got.File == nil {
		t.Fatalf("Expected file message, got %+v", got)
	}
	if *got.File != *m.File {
		t.Errorf("File ref mismatch: got %+v want %+v", *got.File, *m.File)
	}
	if got.Lang != "de" || got.SentAt != m.SentAt {
		t.Errorf("Unexpected lang/time: %q %q", got.Lang, got.SentAt)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}
}
