package handlers

import (
	"mime/multipart"
	"net/textproto"
	"testing"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/fault"
)

func fileHeader(name, contentType string, size int64) *multipart.FileHeader {
	hdr := make(textproto.MIMEHeader)
	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}
	return &multipart.FileHeader{Filename: name, Header: hdr, Size: size}
}

func TestValidateUploadSet(t *testing.T) {
	cfg := &config.UploadConfig{
		MaxFilesPerRequest: 3,
		MinFileSize:        10,
		MaxFileSize:        100,
		AllowedMediaTypes:  []string{"image/jpeg", "image/png"},
	}

	tests := []struct {
		name      string
		files     []*multipart.FileHeader
		wantTotal int64
		wantCode  fault.Code
	}{
		{
			name: "valid set",
			files: []*multipart.FileHeader{
				fileHeader("a.jpg", "image/jpeg", 50),
				fileHeader("b.png", "image/png", 30),
			},
			wantTotal: 80,
		},
		{
			name:     "empty set",
			wantCode: fault.URLInvalid,
		},
		{
			name: "too many files",
			files: []*multipart.FileHeader{
				fileHeader("a.jpg", "image/jpeg", 50),
				fileHeader("b.jpg", "image/jpeg", 50),
				fileHeader("c.jpg", "image/jpeg", 50),
				fileHeader("d.jpg", "image/jpeg", 50),
			},
			wantCode: fault.FileTooLarge,
		},
		{
			name:     "below minimum size",
			files:    []*multipart.FileHeader{fileHeader("a.jpg", "image/jpeg", 5)},
			wantCode: fault.FileTooSmall,
		},
		{
			name:     "above maximum size",
			files:    []*multipart.FileHeader{fileHeader("a.jpg", "image/jpeg", 500)},
			wantCode: fault.FileTooLarge,
		},
		{
			name:     "disallowed media type",
			files:    []*multipart.FileHeader{fileHeader("a.gif", "image/gif", 50)},
			wantCode: fault.MediaTypeRejected,
		},
		{
			name:      "extension fallback when part type missing",
			files:     []*multipart.FileHeader{fileHeader("a.png", "", 50)},
			wantTotal: 50,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			total, err := validateUploadSet(tc.files, cfg)
			if tc.wantCode != "" {
				if err == nil {
					t.Fatal("expected error")
				}
				if got := fault.CodeOf(err); got != tc.wantCode {
					t.Errorf("expected code %s, got %s (%v)", tc.wantCode, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if total != tc.wantTotal {
				t.Errorf("expected total %d, got %d", tc.wantTotal, total)
			}
		})
	}
}

func TestFileMediaType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        string
	}{
		{"a.jpg", "image/jpeg", "image/jpeg"},
		{"a.jpg", "image/jpeg; charset=binary", "image/jpeg"},
		{"a.png", "", "image/png"},
		{"a.png", "application/octet-stream", "image/png"},
		{"noext", "", "application/octet-stream"},
	}

	for _, tc := range tests {
		t.Run(tc.name+"/"+tc.contentType, func(t *testing.T) {
			if got := fileMediaType(fileHeader(tc.name, tc.contentType, 1)); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\eve\shot.jpg`, "shot.jpg"},
		{"dir/sub/shot.jpg", "shot.jpg"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			if got := safeFilename(tc.in); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
