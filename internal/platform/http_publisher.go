package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/apperr"
)

// HTTPPublisher posts publish requests to the posting service.
type HTTPPublisher struct {
	client *http.Client
	url    string
	logger *zap.Logger
}

type HTTPPublisherConfig struct {
	URL     string
	Timeout time.Duration // whole request, including reading the response
}

// NewHTTPPublisher creates a publisher for the posting service at cfg.URL.
func NewHTTPPublisher(cfg HTTPPublisherConfig, logger *zap.Logger) *HTTPPublisher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPPublisher{
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
		logger: logger,
	}
}

// Publish sends the request and accepts any 2xx response.
func (p *HTTPPublisher) Publish(ctx context.Context, req PublishRequest) error {
	const op = "http publish"

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal publish request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create publish request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Postflow/1.0")
	httpReq.Header.Set("X-Postflow-Post-ID", req.PostID.String())
	// The claim changes on every attempt, so the posting service can tell
	// a retry apart from a duplicate delivery of the same attempt.
	httpReq.Header.Set("Idempotency-Key", req.ClaimID.String())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, op, err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Wrap(apperr.KindTransport, op,
			fmt.Errorf("posting service returned %d: %s", resp.StatusCode, string(preview)))
	}

	p.logger.Info("post handed to posting service",
		zap.String("post_id", req.PostID.String()),
		zap.Int("targets", len(req.Targets)),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
