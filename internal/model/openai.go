// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAI calls the Chat Completions API with a JSON-schema response format.
// BaseURL makes it usable with OpenAI-compatible gateways.
type OpenAI struct {
	model  string
	client openai.Client
}

// NewOpenAI creates the backend. An empty key falls back to OPENAI_API_KEY.
func NewOpenAI(model, key, baseURL string, client *http.Client) *OpenAI {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if client != nil {
		opts = append(opts, option.WithHTTPClient(client))
	}
	return &OpenAI{model: model, client: openai.NewClient(opts...)}
}

func (o *OpenAI) Invoke(ctx context.Context, req Request) (Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    o.model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Schema) > 0 {
		var doc map[string]any
		if err := json.Unmarshal(req.Schema, &doc); err != nil {
			return Response{}, fmt.Errorf("openai: decoding schema: %w", err)
		}
		name := req.SchemaName
		if name == "" {
			name = "result"
		}
		// Strict mode rejects schemas with optional properties.
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: doc,
					Strict: openai.Bool(false),
				},
			},
		}
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, err
	}
	if len(completion.Choices) == 0 {
		return Response{}, errors.New("openai: response has no choices")
	}
	msg := completion.Choices[0].Message
	if msg.Refusal != "" {
		return Response{}, fmt.Errorf("openai: model refused: %s", msg.Refusal)
	}
	return Response{Text: msg.Content}, nil
}
