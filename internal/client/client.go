// Package client talks to the transcription API from Go programs and
// command-line tools.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

// ErrWaitTimedOut is returned when the poll budget runs out before the job
// reaches a terminal status. The last observed job is returned with it.
var ErrWaitTimedOut = errors.New("status unknown: timed out waiting for transcription")

const maxErrorBody = 4096

type Client struct {
	baseURL    string
	apiKey     string
	ownerID    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithAPIKey sends the dashboard key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

func WithOwner(ownerID string) Option {
	return func(c *Client) { c.ownerID = strings.TrimSpace(ownerID) }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx reply from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

type SubmitInput struct {
	FileName        string
	ContentType     string
	Audio           io.Reader
	DoctorName      string
	PatientName     string
	DocumentType    string
	AdditionalNotes string
}

type SubmitResponse struct {
	Success         bool                       `json:"success"`
	TranscriptionID string                     `json:"transcriptionId"`
	Status          domain.TranscriptionStatus `json:"status"`
	Message         string                     `json:"message"`
}

// Submit uploads audio as a multipart form. The body is streamed, not
// buffered.
func (c *Client) Submit(ctx context.Context, in SubmitInput) (*SubmitResponse, error) {
	if in.Audio == nil {
		return nil, errors.New("audio is required")
	}
	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)

	go func() {
		writer.CloseWithError(writeSubmitForm(form, in))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/transcriptions", body)
	if err != nil {
		_ = body.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out SubmitResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("submit transcription: %w", err)
	}
	return &out, nil
}

func writeSubmitForm(form *multipart.Writer, in SubmitInput) error {
	fields := [][2]string{
		{"doctorName", in.DoctorName},
		{"patientName", in.PatientName},
		{"documentType", in.DocumentType},
		{"additionalNotes", in.AdditionalNotes},
	}
	for _, field := range fields {
		if field[1] == "" {
			continue
		}
		if err := form.WriteField(field[0], field[1]); err != nil {
			return err
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, in.FileName))
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, in.Audio); err != nil {
		return err
	}
	return form.Close()
}

func (c *Client) Get(ctx context.Context, id string) (*domain.Transcription, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/transcriptions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var job domain.Transcription
	if err := c.do(req, &job); err != nil {
		return nil, fmt.Errorf("get transcription: %w", err)
	}
	return &job, nil
}

type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
	// OnStatus is called whenever the observed status changes.
	OnStatus func(*domain.Transcription)
}

func (o PollOptions) normalize() PollOptions {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 150
	}
	return o
}

// WaitForCompletion polls the job until it completes or fails. It returns
// ErrWaitTimedOut after MaxAttempts polls and ctx.Err() when cancelled.
// Failed jobs are returned without error; callers inspect Status.
func (c *Client) WaitForCompletion(ctx context.Context, id string, opts PollOptions) (*domain.Transcription, error) {
	opts = opts.normalize()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var (
		last   *domain.Transcription
		status domain.TranscriptionStatus
	)
	for attempt := 1; ; attempt++ {
		job, err := c.Get(ctx, id)
		switch {
		case err == nil:
			last = job
			if job.Status != status {
				status = job.Status
				if opts.OnStatus != nil {
					opts.OnStatus(job)
				}
			}
			if job.Status.IsTerminal() {
				return job, nil
			}
		case ctx.Err() != nil:
			return last, ctx.Err()
		case isPermanent(err):
			return last, err
		}

		if attempt >= opts.MaxAttempts {
			return last, ErrWaitTimedOut
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// isPermanent reports replies that polling again cannot fix.
func isPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.ownerID != "" {
		req.Header.Set("X-User-Id", c.ownerID)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := strings.TrimSpace(string(raw))
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			message = body.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
