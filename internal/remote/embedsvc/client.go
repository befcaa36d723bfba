// Package embedsvc is the HTTP client for the image-embedding service.
// It satisfies both matcher collaborator contracts: embedding pages for
// similarity scoring and OCR-checking pages for void markers.
package embedsvc

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/docpipe/docpipe/internal/remote"
)

// Client talks to the embedding service.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// New builds a client for the given base URL, e.g. "http://localhost:8081".
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

type embedRequest struct {
	ImagePNG []byte `json:"image_png"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

// Embed returns the service's embedding vector for img.
func (c *Client) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	payload, err := remote.EncodePNGBase64(img)
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	if err := remote.PostJSON(ctx, c.http, c.baseURL+"/embed", embedRequest{ImagePNG: payload}, &resp, c.log); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Vector) == 0 {
		return nil, fmt.Errorf("embed: empty vector from service")
	}
	return resp.Vector, nil
}

type voidRequest struct {
	ImagePNG []byte `json:"image_png"`
}

type voidResponse struct {
	Voided bool   `json:"voided"`
	Text   string `json:"text,omitempty"`
}

// ContainsVoidMarker OCRs img on the service side and reports whether
// a void/cancellation marker was found.
func (c *Client) ContainsVoidMarker(ctx context.Context, img image.Image) (bool, error) {
	payload, err := remote.EncodePNGBase64(img)
	if err != nil {
		return false, err
	}
	var resp voidResponse
	if err := remote.PostJSON(ctx, c.http, c.baseURL+"/void-check", voidRequest{ImagePNG: payload}, &resp, c.log); err != nil {
		return false, fmt.Errorf("void check: %w", err)
	}
	return resp.Voided, nil
}

// Health pings the service, for startup checks.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("embedding service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
