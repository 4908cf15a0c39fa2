// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package model

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Bedrock calls the Converse API with credentials from the default AWS
// chain.
type Bedrock struct {
	model  string
	client *bedrockruntime.Client
}

func NewBedrock(ctx context.Context, model string) (*Bedrock, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &Bedrock{model: model, client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func (b *Bedrock) Invoke(ctx context.Context, req Request) (Response, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
		}},
	}
	if sys := systemWithSchema(req); sys != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: sys}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}

	resp, err := b.client.Converse(ctx, input)
	if err != nil {
		return Response{}, err
	}
	message, ok := resp.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return Response{}, errors.New("bedrock: response has no message")
	}

	var text strings.Builder
	for _, block := range message.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}
	if text.Len() == 0 {
		return Response{}, errors.New("bedrock: response has no text content")
	}
	return Response{Text: text.String()}, nil
}
