package ocrsvc

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/internal/entity"
	"github.com/docpipe/docpipe/internal/extract"
)

func extractRequestOf(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var req map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func TestExtractFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/extract", r.URL.Path)
		req := extractRequestOf(t, r)
		assert.NotEmpty(t, req["image_png"])
		assert.Equal(t, []any{"invoice_no", "total"}, req["keys"])
		assert.Nil(t, req["multimodal"])

		cfg, ok := req["config"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, cfg["use_llm"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"fields":      map[string]string{"invoice_no": "A-17", "total": "99.50"},
			"visual_info": map[string]any{"blocks": []any{}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute, nil)
	res, err := c.ExtractFields(context.Background(), extract.Request{
		Image:  image.NewGray(image.Rect(0, 0, 4, 4)),
		Keys:   []string{"invoice_no", "total"},
		Config: entity.Stage2Config{UseLLM: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "A-17", res.Fields["invoice_no"])
	assert.JSONEq(t, `{"blocks":[]}`, string(res.RawVisualInfo))
}

func TestExtractFieldsMultimodalFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := extractRequestOf(t, r)
		assert.Equal(t, true, req["multimodal"])
		_ = json.NewEncoder(w).Encode(map[string]any{"fields": map[string]string{}})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute, nil)
	_, err := c.ExtractFieldsMultimodal(context.Background(), extract.Request{
		Image:  image.NewGray(image.Rect(0, 0, 4, 4)),
		Config: entity.Stage2Config{UseMLLM: true},
	})
	require.NoError(t, err)
}

func TestExtractFieldsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "pipeline crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute, nil)
	_, err := c.ExtractFields(context.Background(), extract.Request{
		Image: image.NewGray(image.Rect(0, 0, 4, 4)),
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "extract")
}
