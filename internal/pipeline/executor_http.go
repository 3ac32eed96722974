package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
)

// HTTPExecutorConfig configures an HTTPExecutor.
type HTTPExecutorConfig struct {
	URL        string        // Base URL of the pipeline service
	Timeout    time.Duration // Per-request timeout (default: 10s)
	MaxRetries uint          // Attempts per signal (default: 3)
	Token      string        // Bearer token sent with every signal (optional)
	Logger     *slog.Logger
}

// HTTPExecutor forwards resume and cancel signals to a pipeline service:
//
//	POST {url}/documents/{id}/resume  {"stage": "..."}
//	POST {url}/documents/{id}/cancel
//
// 5xx responses and transport errors are retried; 4xx are not.
type HTTPExecutor struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint
	token      string
	logger     *slog.Logger
}

// NewHTTPExecutor creates an HTTPExecutor.
func NewHTTPExecutor(cfg HTTPExecutorConfig) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPExecutor{
		baseURL:    cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		token:      cfg.Token,
		logger:     cfg.Logger,
	}
}

func (e *HTTPExecutor) ResumeFrom(ctx context.Context, documentID, stage string) error {
	return e.signal(ctx, documentID, "resume", map[string]string{"stage": stage})
}

func (e *HTTPExecutor) Cancel(ctx context.Context, documentID string) error {
	return e.signal(ctx, documentID, "cancel", nil)
}

// statusError is a non-2xx response from the pipeline service.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("pipeline returned %d: %s", e.code, e.body)
}

func (e *HTTPExecutor) signal(ctx context.Context, documentID, action string, body any) error {
	endpoint := fmt.Sprintf("%s/documents/%s/%s", e.baseURL, url.PathEscape(documentID), action)

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal %s signal: %w", action, err)
		}
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			if e.token != "" {
				req.Header.Set("Authorization", "Bearer "+e.token)
			}

			resp, err := e.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			serr := &statusError{code: resp.StatusCode, body: string(respBody)}
			if resp.StatusCode < 500 {
				return retry.Unrecoverable(serr)
			}
			return serr
		},
		retry.Context(ctx),
		retry.Attempts(e.maxRetries),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("pipeline signal failed, retrying",
				"action", action, "document_id", documentID, "attempt", n+1, "error", err)
		}),
	)
}
