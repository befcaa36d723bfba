// Package remote is the shared HTTP plumbing for the model
// collaborators. The embedding and extraction models run as separate
// services; everything here is plain JSON-over-HTTP with retries on
// transient failures.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
)

// transient marks errors worth retrying: network failures and 5xx
// responses. 4xx responses are the caller's fault and fail fast.
type transient struct{ err error }

func (t *transient) Error() string { return t.err.Error() }
func (t *transient) Unwrap() error { return t.err }

// PostJSON sends body as JSON and decodes the 2xx response into out.
// Transient failures are retried a few times with a fixed delay.
func PostJSON(ctx context.Context, client *http.Client, url string, body, out any, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}

	reqID := uuid.NewString()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var raw []byte
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				return &transient{err}
			}
			defer func() {
				if cerr := resp.Body.Close(); cerr != nil {
					logger.Warn("remote.body_close_error", "req_id", reqID, "error", cerr)
				}
			}()

			raw, err = io.ReadAll(resp.Body)
			if err != nil {
				return &transient{err}
			}
			if resp.StatusCode/100 == 5 {
				return &transient{fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 256))}
			}
			if resp.StatusCode/100 != 2 {
				return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 256))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var t *transient
			return errors.As(err, &t)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("remote.retry", "req_id", reqID, "url", url, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		logger.Error("remote.request_failed",
			"req_id", reqID, "url", url,
			"elapsed_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}

	logger.Debug("remote.response",
		"req_id", reqID, "url", url,
		"bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// EncodePNGBase64 renders img to a PNG and returns it; callers base64
// it into JSON via encoding/json's []byte handling.
func EncodePNGBase64(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
