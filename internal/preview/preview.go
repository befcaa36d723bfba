// Package preview renders small thumbnails of matched pages so list
// views never ship multi-megabyte page images.
package preview

import (
	"bytes"
	"context"
	"image/png"

	"github.com/disintegration/imaging"

	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/store"
)

// DefaultWidth is the thumbnail width in pixels; height follows the
// page's aspect ratio.
const DefaultWidth = 320

// Service turns stored matched-page payloads into PNG thumbnails.
type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// MatchedPageThumbnail returns a PNG thumbnail of the file's matched
// page. ErrNotFound when the file has no matched page yet.
func (s *Service) MatchedPageThumbnail(ctx context.Context, fileID int64, width int) ([]byte, error) {
	if width <= 0 {
		width = DefaultWidth
	}

	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if len(file.MatchedPageImage) == 0 {
		return nil, common.NewAppError("NO_MATCHED_PAGE", "file has no matched page image", common.ErrNotFound)
	}

	img, err := imaging.Decode(bytes.NewReader(file.MatchedPageImage))
	if err != nil {
		return nil, common.WrapError(err, "decode matched page")
	}

	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return nil, common.WrapError(err, "encode thumbnail")
	}
	return buf.Bytes(), nil
}
