package handlers

import (
	"mime"
	"mime/multipart"
	"path"
	"path/filepath"
	"strings"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/fault"
)

// safeFilename strips any path components from a client-supplied name.
func safeFilename(name string) string {
	return filepath.Base(strings.ReplaceAll(name, "\\", "/"))
}

// fileMediaType determines a part's media type, preferring the part
// header and falling back to the filename extension.
func fileMediaType(fh *multipart.FileHeader) string {
	if ct := fh.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt
		}
	}
	if mt := mime.TypeByExtension(path.Ext(fh.Filename)); mt != "" {
		if base, _, err := mime.ParseMediaType(mt); err == nil {
			return base
		}
	}
	return "application/octet-stream"
}

// validateUploadSet checks file count, per-file size bounds, and the
// media-type whitelist. Returns the total byte size of the set.
func validateUploadSet(files []*multipart.FileHeader, cfg *config.UploadConfig) (int64, error) {
	if len(files) == 0 {
		return 0, fault.New(fault.URLInvalid, "no files provided")
	}
	if len(files) > cfg.MaxFilesPerRequest {
		return 0, fault.New(fault.FileTooLarge,
			"%d files exceeds the per-request limit of %d", len(files), cfg.MaxFilesPerRequest)
	}

	var total int64
	for _, fh := range files {
		if fh.Size < cfg.MinFileSize {
			return 0, fault.New(fault.FileTooSmall,
				"%s is %d bytes, below the %d byte minimum", safeFilename(fh.Filename), fh.Size, cfg.MinFileSize)
		}
		if fh.Size > cfg.MaxFileSize {
			return 0, fault.New(fault.FileTooLarge,
				"%s is %d bytes, above the %d byte maximum", safeFilename(fh.Filename), fh.Size, cfg.MaxFileSize)
		}
		mt := fileMediaType(fh)
		if !cfg.MediaTypeAllowed(mt) {
			return 0, fault.New(fault.MediaTypeRejected,
				"%s has media type %s", safeFilename(fh.Filename), mt)
		}
		total += fh.Size
	}
	return total, nil
}
