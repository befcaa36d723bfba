// Package pdfrender rasterizes PDF pages to images via MuPDF (go-fitz).
package pdfrender

import (
	"context"
	"image"
	"log/slog"

	"github.com/gen2brain/go-fitz"

	"github.com/docpipe/docpipe/internal/common"
)

// Renderer is the rasterizer contract consumed by the stage-1 worker.
type Renderer interface {
	// Render returns one image per page at the given dpi.
	Render(ctx context.Context, pdfPath string, dpi int) ([]image.Image, error)
}

// FitzRenderer renders with go-fitz. The scaling factor is dpi/72,
// since PDF user space is 72 dpi.
type FitzRenderer struct {
	// MaxPages caps rendering for pathological documents; 0 means no cap.
	MaxPages int
	log      *slog.Logger
}

func NewFitzRenderer(maxPages int, logger *slog.Logger) *FitzRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FitzRenderer{MaxPages: maxPages, log: logger}
}

func (r *FitzRenderer) Render(ctx context.Context, pdfPath string, dpi int) ([]image.Image, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, common.WrapError(err, "open pdf")
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, common.ValidationErrorf("pdf has no pages: %s", pdfPath)
	}
	if r.MaxPages > 0 && pageCount > r.MaxPages {
		r.log.Warn("page cap applied", "path", pdfPath, "pages", pageCount, "cap", r.MaxPages)
		pageCount = r.MaxPages
	}

	pages := make([]image.Image, 0, pageCount)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(pageNum, float64(dpi))
		if err != nil {
			return nil, common.WrapError(err, "render page")
		}
		pages = append(pages, img)
	}

	r.log.Debug("pdf rendered", "path", pdfPath, "pages", len(pages), "dpi", dpi)
	return pages, nil
}
