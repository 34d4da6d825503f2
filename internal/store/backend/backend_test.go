package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pliu/ume/internal/config"
	"github.com/pliu/ume/internal/models"
)

func TestOpenLocalDrivers(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  config.StoreConfig
	}{
		{"sqlite3", config.StoreConfig{Driver: "sqlite3", DSN: filepath.Join(dir, "ume.db")}},
		{"pebble", config.StoreConfig{Driver: "pebble", Path: filepath.Join(dir, "pebble")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.cfg)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer s.Close()

			m := &models.Message{From: "alice", To: "bob", Kind: models.KindText, Text: "hi"}
			if _, err := s.Append(context.Background(), m); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			pending, err := s.FindUndelivered(context.Background(), "bob")
			if err != nil {
				t.Fatalf("FindUndelivered failed: %v", err)
			}
			if len(pending) != 1 {
				t.Errorf("Expected 1 pending message, got %d", len(pending))
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.StoreConfig{Driver: "redis"}); err == nil {
		t.Error("Expected error for unknown driver")
	}
}
