package ai

import (
	"testing"

	"chatrelay/internal/models"

	"github.com/cloudwego/eino/schema"
)

func TestConvertEntries(t *testing.T) {
	history := []models.ContextEntry{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
		{Role: "unknown", Content: "odd"},
	}

	messages := convertEntries(history)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	wantRoles := []schema.RoleType{schema.System, schema.User, schema.Assistant, schema.User}
	for i, msg := range messages {
		if msg.Role != wantRoles[i] {
			t.Fatalf("message %d role: got %v, want %v", i, msg.Role, wantRoles[i])
		}
		if msg.Content != history[i].Content {
			t.Fatalf("message %d content mismatch: %q", i, msg.Content)
		}
	}
}
