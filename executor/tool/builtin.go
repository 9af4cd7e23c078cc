package tool

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/connections"
)

// Builtin tool ids.
const (
	LLMToolID    = "llm"
	PromptToolID = "prompt"
)

// RegisterBuiltins adds the builtin llm and prompt tools to a registry.
func RegisterBuiltins(r *Registry) {
	r.Register(NewLLMTool())
	r.Register(NewPromptTool())
}

// NewPromptTool returns the templated prompt rendering tool. The
// "template" argument is rendered with the remaining arguments as data.
// The signature stays undeclared so every node input reaches the
// template.
func NewPromptTool() *Tool {
	return &Tool{
		Name:           PromptToolID,
		Type:           "prompt",
		SourceIdentity: "builtin:prompt",
		Invoke:         renderPrompt,
	}
}

func renderPrompt(_ context.Context, args map[string]any) (any, error) {
	raw, _ := args["template"].(string)
	if raw == "" {
		return nil, errs.User(errs.CodeInvalidRequest, "prompt tool requires a template argument")
	}
	tmpl, err := template.New("prompt").Funcs(sprig.TxtFuncMap()).Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	data := make(map[string]any, len(args))
	for k, v := range args {
		if k == "template" {
			continue
		}
		data[k] = v
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render prompt template: %w", err)
	}
	return buf.String(), nil
}

// NewLLMTool returns the builtin chat completion tool. The connection
// parameter supplies api_key (secret) and optional api_base / model
// configs.
func NewLLMTool() *Tool {
	return &Tool{
		Name:           LLMToolID,
		Type:           "llm",
		SourceIdentity: "builtin:llm",
		Parameters: []Parameter{
			{Name: "connection", Type: "connection", Required: true, IsConnection: true},
			{Name: "prompt", Type: "string", Required: true},
			{Name: "model", Type: "string"},
			{Name: "temperature", Type: "double", Default: 1.0},
			{Name: "max_tokens", Type: "int"},
		},
		Invoke: invokeLLM,
	}
}

func invokeLLM(ctx context.Context, args map[string]any) (any, error) {
	conn, _ := args["connection"].(*connections.Connection)
	if conn == nil {
		return nil, errs.User(errs.CodeConnectionNotFound, "llm tool requires a connection")
	}
	prompt, _ := args["prompt"].(string)

	clientCfg := openai.DefaultConfig(conn.Secrets["api_key"])
	if base := conn.Configs["api_base"]; base != "" {
		clientCfg.BaseURL = base
	}
	client := openai.NewClientWithConfig(clientCfg)

	model, _ := args["model"].(string)
	if model == "" {
		model = conn.Configs["model"]
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if temp, ok := toFloat64(args["temperature"]); ok {
		req.Temperature = float32(temp)
	}
	if maxTokens, ok := toFloat64(args["max_tokens"]); ok && maxTokens > 0 {
		req.MaxTokens = int(maxTokens)
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return map[string]any{
		"content": resp.Choices[0].Message.Content,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}, nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
