package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/models"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Service streams completions from an OpenAI-compatible backend (Ollama's
// /v1 endpoint) for a given message history.
type Service struct {
	chatModel  model.BaseChatModel
	httpClient *http.Client
	baseURL    string
	modelName  string
}

// NewService connects to the configured inference backend.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	baseURL := fmt.Sprintf("http://%s:%d", cfg.Inference.BaseURL, cfg.Inference.Port)

	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: baseURL + "/v1",
		Model:   cfg.Inference.DefaultModel,
		// Ollama ignores the key but the client requires one.
		APIKey: "ollama",
	})
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}

	return &Service{
		chatModel:  chatModel,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		modelName:  cfg.Inference.DefaultModel,
	}, nil
}

// StreamChat streams a completion for the given history and invokes the
// callback with the full accumulated text after every fragment. On a
// mid-stream failure the accumulated text is returned together with the
// error so the caller can finalize degraded output.
func (s *Service) StreamChat(ctx context.Context, history []models.ContextEntry, callback func(string) error) (string, error) {
	if len(history) == 0 {
		return "", errors.New("history cannot be empty")
	}

	streamReader, err := s.chatModel.Stream(ctx, convertEntries(history))
	if err != nil {
		return "", fmt.Errorf("open inference stream: %w", err)
	}
	defer streamReader.Close()

	var fullContent string
	for {
		chunk, err := streamReader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fullContent, fmt.Errorf("inference stream: %w", err)
		}
		fullContent += chunk.Content

		if callback != nil {
			if err := callback(fullContent); err != nil {
				return fullContent, err
			}
		}
	}
	return fullContent, nil
}

func convertEntries(history []models.ContextEntry) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, entry := range history {
		var role schema.RoleType
		switch entry.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: entry.Content,
		})
	}
	return messages
}
