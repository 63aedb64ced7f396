package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/infrastructure/resilience"
)

const formatOperation = "openai.format"

// Formatter turns a raw transcript into a structured clinical document.
type Formatter struct {
	client   *openai.Client
	model    string
	executor *resilience.Executor
}

func NewFormatter(apiKey, baseURL, model string, executor *resilience.Executor) *Formatter {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if strings.TrimSpace(model) == "" {
		model = openai.GPT4oMini
	}
	return &Formatter{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		executor: executor,
	}
}

func (f *Formatter) Format(ctx context.Context, job domain.Transcription) (string, error) {
	if strings.TrimSpace(job.RawText) == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, formatOperation, fmt.Errorf("transcription %s has no text", job.ID))
	}

	req := openai.ChatCompletionRequest{
		Model: f.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildFormatPrompt(job)},
		},
		Temperature: 0.2,
	}

	var formatted string
	call := func(callCtx context.Context) error {
		resp, err := f.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("openai returned no choices")
		}
		formatted = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}

	var err error
	if f.executor != nil {
		err = f.executor.Execute(ctx, formatOperation, call, classifyOpenAIError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", wrapTemporaryIfNeeded(err)
	}
	if formatted == "" {
		return "", domain.WrapError(domain.ErrExternal, formatOperation, fmt.Errorf("empty completion"))
	}
	return formatted, nil
}
