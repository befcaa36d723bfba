// Package scan discovers input documents for a task. The walk runs
// exactly once, at task creation; everything after that works off the
// stored file rows.
package scan

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docpipe/docpipe/constants"
	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/entity"
)

// Stats aggregates one directory walk.
type Stats struct {
	Scanned uint32
	Matched uint32
	Failed  uint32
}

// Directory walks root recursively and returns every file whose
// extension is in includeExts (defaults to PDF). Unreadable entries are
// counted and skipped; only a missing or non-directory root is an error.
func Directory(root string, includeExts []string, logger *slog.Logger) ([]entity.FileInfo, Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, Stats{}, common.ValidationErrorf("directory does not exist: %s", root)
	}
	if !info.IsDir() {
		return nil, Stats{}, common.ValidationErrorf("path is not a directory: %s", root)
	}
	// File rows persist absolute paths so resumption is independent of
	// the process working directory.
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	exts := map[string]struct{}{}
	if len(includeExts) == 0 {
		exts = constants.AllowedExtensions
	} else {
		for _, e := range includeExts {
			if e = constants.NormalizeExt(e); e != "" {
				exts[e] = struct{}{}
			}
		}
	}

	logger.Info("scanning directory", "root", root)

	var files []entity.FileInfo
	var stats Stats
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		stats.Scanned++
		if walkErr != nil {
			logger.Warn("scan entry failed", "path", path, "error", walkErr)
			stats.Failed++
			return nil // continue walking
		}
		if d.IsDir() {
			return nil
		}
		ext := constants.NormalizeExt(filepath.Ext(path))
		if _, ok := exts[ext]; !ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			logger.Warn("stat failed", "path", path, "error", err)
			stats.Failed++
			return nil
		}
		stats.Matched++
		files = append(files, entity.FileInfo{
			FilePath: path,
			FileName: d.Name(),
			FileSize: fi.Size(),
			FileType: "." + ext,
		})
		return nil
	})
	if err != nil {
		return files, stats, common.WrapError(err, "walk")
	}

	logger.Info("scan complete", "root", root, "matched", stats.Matched, "scanned", stats.Scanned)
	return files, stats, nil
}
