// Package extract defines the field-extraction collaborator contracts
// consumed by the stage-2 worker. Implementations (OCR engines,
// vision-language models) live outside the core.
package extract

import (
	"context"
	"encoding/json"
	"image"

	"github.com/docpipe/docpipe/internal/entity"
)

// Request is one extraction call: the matched page plus the keys to pull.
type Request struct {
	Image  image.Image
	Keys   []string
	Config entity.Stage2Config
}

// Result is the normalized shape we want back from the collaborator.
type Result struct {
	// Fields maps keyword name to extracted value.
	Fields map[string]string
	// RawVisualInfo is the collaborator's unprocessed visual/layout
	// payload, persisted verbatim for audit.
	RawVisualInfo json.RawMessage
}

// FieldExtractor is the interface the stage-2 worker depends on.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, req Request) (Result, error)
}

// MultimodalExtractor is the optional hint path. When the task config
// asks for it and the extractor supports it, the worker tries this
// first and falls back to the plain call on failure rather than
// failing the file.
type MultimodalExtractor interface {
	ExtractFieldsMultimodal(ctx context.Context, req Request) (Result, error)
}
