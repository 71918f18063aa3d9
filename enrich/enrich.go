package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"student_insights/analysis"
	"student_insights/insights"
	"student_insights/memory"
)

// StudentRequest is the prompt input for one student.
type StudentRequest struct {
	Analysis    analysis.Analysis
	Memory      *memory.Snapshot
	Preferences *insights.Preferences
}

// GroupRequest is the prompt input for the group.
type GroupRequest struct {
	Summary     analysis.GroupSummary
	Memory      *memory.Snapshot
	Preferences *insights.Preferences
}

// Enricher returns raw model text with no structural guarantee. An error
// means the call itself failed; malformed text is the contract's problem.
type Enricher interface {
	EnrichStudent(ctx context.Context, req StudentRequest) (string, error)
	EnrichGroup(ctx context.Context, req GroupRequest) (string, error)
}

// Disabled always answers with empty output so every item takes the
// fallback path.
type Disabled struct{}

func (Disabled) EnrichStudent(context.Context, StudentRequest) (string, error) { return "", nil }
func (Disabled) EnrichGroup(context.Context, GroupRequest) (string, error)     { return "", nil }

// Settings configure the chat client.
type Settings struct {
	Enabled       bool
	Model         string
	BaseURL       string
	APIKey        string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	PromptVersion string
}

// generator is the slice of the eino chat model the client needs.
type generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ChatClient calls an OpenAI-compatible chat model through eino.
type ChatClient struct {
	model         generator
	promptVersion string
}

// New returns a ChatClient, or Disabled when enrichment is off or no API
// key is configured.
func New(ctx context.Context, s Settings) (Enricher, error) {
	if !s.Enabled || strings.TrimSpace(s.APIKey) == "" {
		return Disabled{}, nil
	}
	return NewChatClient(ctx, s)
}

func NewChatClient(ctx context.Context, s Settings) (*ChatClient, error) {
	maxTokens := s.MaxTokens
	temperature := float32(s.Temperature)
	cfg := &openai.ChatModelConfig{
		APIKey:      s.APIKey,
		BaseURL:     s.BaseURL,
		Model:       s.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Timeout:     s.Timeout,
	}
	chat, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}
	return newChatClient(chat, s.PromptVersion), nil
}

func newChatClient(g generator, promptVersion string) *ChatClient {
	return &ChatClient{model: g, promptVersion: promptVersion}
}

func (c *ChatClient) EnrichStudent(ctx context.Context, req StudentRequest) (string, error) {
	return c.generate(ctx, buildStudentSystemPrompt(c.promptVersion), buildStudentUserPrompt(req))
}

func (c *ChatClient) EnrichGroup(ctx context.Context, req GroupRequest) (string, error) {
	return c.generate(ctx, buildGroupSystemPrompt(c.promptVersion), buildGroupUserPrompt(req))
}

func (c *ChatClient) generate(ctx context.Context, system, user string) (string, error) {
	out, err := c.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	})
	if err != nil {
		return "", fmt.Errorf("chat generate: %w", err)
	}
	if out == nil {
		return "", errors.New("empty llm response")
	}
	return strings.TrimSpace(out.Content), nil
}
