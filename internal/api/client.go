// Package api is the HTTP client for the chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/internal/model"
	"github.com/capitalize-ai/chatweb/pkg/logger"
	"github.com/capitalize-ai/chatweb/pkg/metrics"
	"github.com/capitalize-ai/chatweb/pkg/tracing"
)

// Backend paths.
const (
	PathConfig      = "/config"
	PathSession     = "/session"
	PathVerify      = "/verify"
	PathChat        = "/chat"
	PathChatProcess = "/chat-process"
)

const maxErrorBody = 64 << 10

// ProgressFunc receives the cumulative body of a streamed response.
type ProgressFunc func(raw string)

// Client talks to one backend. It never retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	backend    Backend
	token      string
	logger     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport. No timeout is applied by default.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent on every call.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for baseURL using backend to shape chat-process bodies.
func NewClient(baseURL string, backend Backend, opts ...Option) *Client {
	if backend == nil {
		backend = ProxyBackend{}
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		backend:    backend,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrGlobal(c.logger).Named("api")
	return c
}

// Backend returns the request variant chosen at construction.
func (c *Client) Backend() Backend {
	return c.backend
}

// FetchConfig returns the backend configuration descriptor.
func (c *Client) FetchConfig(ctx context.Context) (*model.ConfigDescriptor, error) {
	var out model.ConfigDescriptor
	err := c.observe(ctx, PathConfig, func(ctx context.Context) error {
		return c.callEnvelope(ctx, PathConfig, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchSession returns whether auth is required and the backend mode.
func (c *Client) FetchSession(ctx context.Context) (*model.SessionDescriptor, error) {
	var out model.SessionDescriptor
	err := c.observe(ctx, PathSession, func(ctx context.Context) error {
		return c.callEnvelope(ctx, PathSession, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchVerify checks an access token. A rejected token yields a *StatusError.
func (c *Client) FetchVerify(ctx context.Context, token string) error {
	return c.observe(ctx, PathVerify, func(ctx context.Context) error {
		return c.callEnvelope(ctx, PathVerify, model.VerifyRequest{Token: token}, nil)
	})
}

// FetchCompletion performs a non-streaming completion.
func (c *Client) FetchCompletion(ctx context.Context, prompt string, opts *model.ConversationRequest) (*model.ConversationResponse, error) {
	var out *model.ConversationResponse
	err := c.observe(ctx, PathChat, func(ctx context.Context) error {
		resp, err := c.post(ctx, PathChat, model.ChatRequest{Prompt: prompt, Options: opts.Clone()})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return networkError(ctx, err)
		}

		// Accept both an envelope and a bare response.
		if gjson.GetBytes(body, "status").Exists() {
			var env model.Envelope[*model.ConversationResponse]
			if err := decodeEnvelope(resp.StatusCode, body, &env); err != nil {
				return err
			}
			out = env.Data
		} else if err := json.Unmarshal(body, &out); err != nil {
			return malformed("decode %s: %v", PathChat, err)
		}
		if out == nil {
			return malformed("%s returned no data", PathChat)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchCompletionStream performs a streamed completion. onProgress receives
// the cumulative body after every chunk; it is not called once ctx is done.
// The final line of the body is returned as the response.
func (c *Client) FetchCompletionStream(ctx context.Context, prompt string, opts *model.ConversationRequest, onProgress ProgressFunc) (*model.ConversationResponse, error) {
	var out *model.ConversationResponse
	err := c.observe(ctx, PathChatProcess, func(ctx context.Context) error {
		stream, err := c.Stream(ctx, prompt, opts)
		if err != nil {
			return err
		}
		defer stream.Close()

		for stream.Next() {
			if onProgress != nil {
				onProgress(stream.Current().Raw)
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}
		out, err = stream.Final()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream opens a streamed completion and returns its lazy chunk sequence.
// The caller must Close it.
func (c *Client) Stream(ctx context.Context, prompt string, opts *model.ConversationRequest) (*Stream, error) {
	resp, err := c.post(ctx, PathChatProcess, c.backend.ChatRequest(prompt, opts))
	if err != nil {
		return nil, err
	}
	return newStream(ctx, resp), nil
}

func (c *Client) callEnvelope(ctx context.Context, path string, body any, data any) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkError(ctx, err)
	}

	env := model.Envelope[any]{Data: data}
	return decodeEnvelope(resp.StatusCode, raw, &env)
}

func decodeEnvelope[T any](code int, raw []byte, env *model.Envelope[T]) error {
	if err := json.Unmarshal(raw, env); err != nil {
		return malformed("decode envelope: %v", err)
	}
	if env.Status != model.StatusSuccess {
		return &StatusError{Code: code, Status: env.Status, Message: env.Message}
	}
	return nil
}

// post sends a JSON POST and returns the response when it is 2xx.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	tracing.Inject(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
		if msg := gjson.GetBytes(raw, "message"); msg.Exists() {
			se.Message = msg.String()
		} else if msg := gjson.GetBytes(raw, "error"); msg.Exists() {
			se.Message = msg.String()
		}
		if st := gjson.GetBytes(raw, "status"); st.Type == gjson.String {
			se.Status = st.String()
		}
		return nil, se
	}
	return resp, nil
}

func (c *Client) observe(ctx context.Context, path string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.Tracer("chatweb/api").Start(ctx, "POST "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.route", path)),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	kind := KindOf(err)

	span.SetAttributes(attribute.String("chat.outcome", string(kind)))
	metrics.RecordClientCall(path, string(kind), time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		if kind != KindCancelled {
			c.logger.Warn("backend call failed",
				zap.String("path", path),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
	return err
}
