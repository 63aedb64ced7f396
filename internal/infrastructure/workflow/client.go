package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/infrastructure/resilience"
)

const (
	TriggerOperation = "workflow.trigger"
	maxReplyBytes    = 4096
)

type Client struct {
	url        string
	authToken  string
	httpClient *http.Client
	executor   *resilience.Executor
}

// New builds a webhook client. Request deadlines come from the caller's
// context, so the http.Client carries no timeout of its own.
func New(url, authToken string, executor *resilience.Executor) *Client {
	return &Client{
		url:        strings.TrimSpace(url),
		authToken:  strings.TrimSpace(authToken),
		httpClient: &http.Client{},
		executor:   executor,
	}
}

func (c *Client) Trigger(ctx context.Context, payload domain.WorkflowPayload) (domain.WorkflowReply, error) {
	var reply domain.WorkflowReply
	call := func(callCtx context.Context) error {
		out, err := c.post(callCtx, payload)
		if err != nil {
			return err
		}
		reply = out
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, TriggerOperation, call, classifyWorkflowError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.WorkflowReply{}, wrapWorkflowError(err)
	}
	return reply, nil
}

func (c *Client) post(ctx context.Context, payload domain.WorkflowPayload) (domain.WorkflowReply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.WorkflowReply{}, fmt.Errorf("marshal workflow payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.WorkflowReply{}, fmt.Errorf("create workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WorkflowReply{}, fmt.Errorf("workflow request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	text := strings.TrimSpace(string(raw))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return domain.WorkflowReply{StatusCode: resp.StatusCode, Body: text}, nil
	}
	if IsAsyncAcceptResponse(text) {
		return domain.WorkflowReply{StatusCode: resp.StatusCode, Body: text, AsyncAccepted: true}, nil
	}
	return domain.WorkflowReply{}, &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       text,
	}
}
