// Package llm wraps the OpenAI API behind small chat and embedding
// interfaces so the agent and retrieval layers can be tested with fakes.
package llm

import (
	"context"
	"fmt"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/config"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// Roles accepted in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes a callable tool advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatRequest carries one completion request.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolSpec
}

// Completion is the model's reply: text, tool calls, or both.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// ChatClient is the completion surface the agent loop depends on.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (Completion, error)
	// Stream behaves like Complete but invokes onDelta for each text
	// fragment as it arrives. Tool-call turns produce no deltas.
	Stream(ctx context.Context, req ChatRequest, onDelta func(string)) (Completion, error)
}

// Client calls the OpenAI chat and embedding endpoints.
type Client struct {
	api        openai.Client
	chatModel  string
	embedModel string
	embedDims  int
	logger     *zap.Logger
}

// New builds a Client from configuration.
func New(cfg config.OpenAIConfig, logger *zap.Logger, opts ...option.RequestOption) *Client {
	requestOpts := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &Client{
		api:        openai.NewClient(requestOpts...),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		embedDims:  cfg.EmbedDims,
		logger:     logger,
	}
}

// Complete sends one chat completion request and returns the reply.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (Completion, error) {
	params := c.buildParams(req)
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("chat completion: no choices returned")
	}
	return completionFromMessage(resp.Choices[0].Message), nil
}

// Stream sends one chat completion request in streaming mode.
func (c *Client) Stream(ctx context.Context, req ChatRequest, onDelta func(string)) (Completion, error) {
	params := c.buildParams(req)
	stream := c.api.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" && onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return Completion{}, fmt.Errorf("chat completion stream: %w", err)
	}
	if len(acc.Choices) == 0 {
		return Completion{}, fmt.Errorf("chat completion stream: no choices returned")
	}
	return completionFromMessage(acc.Choices[0].Message), nil
}

// Embed implements catalog.Embedder.
func (c *Client) Embed(ctx context.Context, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: input},
	}
	if c.embedDims > 0 {
		params.Dimensions = openai.Int(int64(c.embedDims))
	}
	resp, err := c.api.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(input) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), len(input))
	}
	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		vectors[item.Index] = vec
	}
	c.logger.Debug("embeddings created", zap.Int("inputs", len(input)))
	return vectors, nil
}

func (c *Client) buildParams(req ChatRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    c.chatModel,
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for _, msg := range req.Messages {
		params.Messages = append(params.Messages, toMessageParam(msg))
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  openai.FunctionParameters(tool.Parameters),
		}))
	}
	return params
}

func toMessageParam(msg Message) openai.ChatCompletionMessageParamUnion {
	switch msg.Role {
	case RoleSystem:
		return openai.SystemMessage(msg.Content)
	case RoleTool:
		return openai.ToolMessage(msg.Content, msg.ToolCallID)
	case RoleAssistant:
		assistant := openai.ChatCompletionAssistantMessageParam{}
		if msg.Content != "" {
			assistant.Content.OfString = openai.String(msg.Content)
		}
		for _, call := range msg.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
	default:
		return openai.UserMessage(msg.Content)
	}
}

func completionFromMessage(msg openai.ChatCompletionMessage) Completion {
	out := Completion{Content: msg.Content}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out
}
