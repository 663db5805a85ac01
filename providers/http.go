package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/deepnoodle-ai/tradeflow/tools"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// HTTPOptions configures an HTTPTool.
type HTTPOptions struct {
	// BaseURL is the service root. Operations are posted to
	// BaseURL/<operation>.
	BaseURL string

	// Client defaults to http.DefaultClient. Per-call timeouts come from the
	// context set by the invoker.
	Client *http.Client

	// Headers are set on every request, e.g. an API key.
	Headers map[string]string

	Logger *slog.Logger
}

// HTTPTool calls operations on a JSON-over-HTTP data service. Each call is a
// POST of the arguments as a JSON object; a 2xx response body is the
// result. Failures map onto tool error kinds:
//
//	400                  invalid_arguments
//	403, 404, 409, 422   rejected
//	408, 504             timeout
//	other 4xx, 5xx       unavailable
//	transport failure    unavailable
//	context deadline     timeout
type HTTPTool struct {
	base    *url.URL
	client  *http.Client
	headers map[string]string
	logger  *slog.Logger
}

// NewHTTPTool validates opts and returns an HTTPTool.
func NewHTTPTool(opts HTTPOptions) (*HTTPTool, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", opts.BaseURL)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPTool{base: base, client: opts.Client, headers: opts.Headers, logger: opts.Logger}, nil
}

// Registry returns a registry entry for each operation.
func (h *HTTPTool) Registry(operations ...string) tools.Registry {
	registry := make(tools.Registry, len(operations))
	for _, op := range operations {
		registry[op] = h.Func(op)
	}
	return registry
}

// Func returns the tool function for one operation.
func (h *HTTPTool) Func(operation string) tools.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return h.Call(ctx, operation, args)
	}
}

// Call posts args to the operation endpoint and decodes the JSON response.
func (h *HTTPTool) Call(ctx context.Context, operation string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, tools.InvalidArguments("failed to marshal arguments: %v", err)
	}

	endpoint := h.base.JoinPath(operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, tools.InvalidArguments("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &tools.Error{Kind: tools.KindTimeout, Message: "request deadline exceeded", Err: err}
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &tools.Error{Kind: tools.KindTimeout, Message: "request timed out", Err: err}
		}
		return nil, &tools.Error{Kind: tools.KindUnavailable, Message: "failed to make request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &tools.Error{Kind: tools.KindUnavailable, Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.logger.Debug("tool request failed",
			slog.String("operation", operation),
			slog.Int("status", resp.StatusCode))
		return nil, statusError(resp.StatusCode, body)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &tools.Error{Kind: tools.KindUnavailable, Message: "response is not valid JSON", Err: err}
	}
	return result, nil
}

func statusError(status int, body []byte) *tools.Error {
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("status %d: %s", status, msg)
	switch status {
	case http.StatusBadRequest:
		return &tools.Error{Kind: tools.KindInvalidArguments, Message: msg}
	case http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return &tools.Error{Kind: tools.KindRejected, Message: msg}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &tools.Error{Kind: tools.KindTimeout, Message: msg}
	}
	return &tools.Error{Kind: tools.KindUnavailable, Message: msg}
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from an
// error body, falling back to the trimmed body text.
func errorMessage(body []byte) string {
	var decoded struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &decoded) == nil {
		if decoded.Error != "" {
			return decoded.Error
		}
		if decoded.Message != "" {
			return decoded.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
