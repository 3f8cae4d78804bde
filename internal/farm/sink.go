package farm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
)

// Sink delivers solutions somewhere outside the process.
type Sink interface {
	Name() string
	Submit(ctx context.Context, sol core.Solution) error
}

// LogSink writes each solution to the log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Submit(_ context.Context, sol core.Solution) error {
	log.FarmLog.Infof("Solution %s: device %d nonce %#016x job %s header %s",
		sol.ID, sol.Device, sol.Nonce, sol.Work.JobID, sol.Work.Header.Abridged())
	return nil
}

// HTTPSink posts each solution as JSON, retrying transient failures. The
// solution id is sent as the idempotency key so retries are safe.
type HTTPSink struct {
	url    string
	http   *http.Client
	source string
}

// NewHTTPSink returns a sink posting to url. source identifies this process
// to the receiver.
func NewHTTPSink(url, source string, timeout time.Duration, retries int) *HTTPSink {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 250 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil
	client := retryClient.StandardClient()
	client.Timeout = timeout
	return &HTTPSink{url: url, http: client, source: source}
}

func (s *HTTPSink) Name() string { return "http" }

type submission struct {
	Source   string        `json:"source"`
	Solution core.Solution `json:"solution"`
}

func (s *HTTPSink) Submit(ctx context.Context, sol core.Solution) error {
	body, err := json.Marshal(submission{Source: s.source, Solution: sol})
	if err != nil {
		return fmt.Errorf("marshal solution: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sol.ID)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit solution: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("submit solution: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
