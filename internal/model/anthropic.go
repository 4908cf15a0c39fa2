// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package model

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic calls the Messages API. Responses are streamed and accumulated
// because large token budgets exceed the non-streaming time limit.
type Anthropic struct {
	model    string
	messages anthropic.MessageService
}

// NewAnthropic creates the backend. An empty key falls back to the SDK's
// ANTHROPIC_API_KEY lookup.
func NewAnthropic(model, key, baseURL string, client *http.Client) *Anthropic {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if client != nil {
		opts = append(opts, option.WithHTTPClient(client))
	}
	return &Anthropic{model: model, messages: anthropic.NewMessageService(opts...)}
}

func (a *Anthropic) Invoke(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if sys := systemWithSchema(req); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if req.ThinkingBudget > 0 && req.ThinkingBudget < req.MaxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}

	message := anthropic.Message{}
	stream := a.messages.NewStreaming(ctx, params)
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return Response{}, err
		}
	}
	if err := stream.Err(); err != nil {
		return Response{}, err
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Response{}, errors.New("anthropic: response has no text content")
	}
	return Response{Text: text.String()}, nil
}
