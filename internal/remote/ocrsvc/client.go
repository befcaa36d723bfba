// Package ocrsvc is the HTTP client for the OCR/extraction service.
// The service runs the document pipeline (orientation, unwarping,
// table and seal recognition) and optionally an LLM/MLLM pass that
// pulls the requested keys out of the recognized text.
package ocrsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/docpipe/docpipe/internal/entity"
	"github.com/docpipe/docpipe/internal/extract"
	"github.com/docpipe/docpipe/internal/remote"
)

// Client talks to the extraction service.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// New builds a client for the given base URL, e.g. "http://localhost:8082".
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

type extractRequest struct {
	ImagePNG []byte              `json:"image_png"`
	Keys     []string            `json:"keys,omitempty"`
	Config   entity.Stage2Config `json:"config"`
	// Multimodal asks the service to send the page image to the
	// vision-language model instead of extracting from OCR text.
	Multimodal bool `json:"multimodal,omitempty"`
}

type extractResponse struct {
	Fields     map[string]string `json:"fields"`
	VisualInfo json.RawMessage   `json:"visual_info"`
}

// ExtractFields runs the OCR pipeline and key extraction on the page.
func (c *Client) ExtractFields(ctx context.Context, req extract.Request) (extract.Result, error) {
	return c.call(ctx, req, false)
}

// ExtractFieldsMultimodal is the vision-language path; the worker falls
// back to ExtractFields when it fails.
func (c *Client) ExtractFieldsMultimodal(ctx context.Context, req extract.Request) (extract.Result, error) {
	return c.call(ctx, req, true)
}

func (c *Client) call(ctx context.Context, req extract.Request, multimodal bool) (extract.Result, error) {
	payload, err := remote.EncodePNGBase64(req.Image)
	if err != nil {
		return extract.Result{}, err
	}
	body := extractRequest{
		ImagePNG:   payload,
		Keys:       req.Keys,
		Config:     req.Config,
		Multimodal: multimodal,
	}
	var resp extractResponse
	if err := remote.PostJSON(ctx, c.http, c.baseURL+"/extract", body, &resp, c.log); err != nil {
		return extract.Result{}, fmt.Errorf("extract: %w", err)
	}
	return extract.Result{
		Fields:        resp.Fields,
		RawVisualInfo: resp.VisualInfo,
	}, nil
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
		return fmt.Errorf("extraction service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
