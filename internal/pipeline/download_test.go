package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/snapsift/snapsift/internal/fault"
)

func presignedURL(signed time.Time, lifetimeSeconds int) string {
	return fmt.Sprintf(
		"https://objects.example.com/bucket/cull/u/w/pre_cull/a.jpg?X-Amz-Date=%s&X-Amz-Expires=%d&X-Amz-Signature=abc",
		signed.UTC().Format("20060102T150405Z"), lifetimeSeconds)
}

func TestValidateDownloadURL(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		url      string
		wantCode fault.Code
	}{
		{
			name: "valid",
			url:  presignedURL(now.Add(-30*time.Minute), 3600),
		},
		{
			name:     "expired",
			url:      presignedURL(now.Add(-2*time.Hour), 3600),
			wantCode: fault.URLExpired,
		},
		{
			name:     "no signature params",
			url:      "https://objects.example.com/bucket/a.jpg",
			wantCode: fault.URLInvalid,
		},
		{
			name:     "malformed date",
			url:      "https://objects.example.com/a.jpg?X-Amz-Date=yesterday&X-Amz-Expires=60",
			wantCode: fault.URLInvalid,
		},
		{
			name:     "malformed expiry",
			url:      presignedURL(now, 3600) + "&bogus=1&X-Amz-Expires=never",
			wantCode: fault.URLInvalid,
		},
		{
			name:     "relative url",
			url:      "/bucket/a.jpg",
			wantCode: fault.URLInvalid,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDownloadURL(tc.url, now)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if got := fault.CodeOf(err); got != tc.wantCode {
				t.Errorf("expected code %s, got %s (%v)", tc.wantCode, got, err)
			}
		})
	}
}

func TestValidateDownloadURLBoundary(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	// Exactly at the deadline is still valid; one second past is not.
	atDeadline := presignedURL(now.Add(-time.Hour), 3600)
	if err := ValidateDownloadURL(atDeadline, now); err != nil {
		t.Errorf("URL at deadline should validate: %v", err)
	}

	justPast := presignedURL(now.Add(-time.Hour-time.Second), 3600)
	err := ValidateDownloadURL(justPast, now)
	var ferr *fault.Error
	if !errors.As(err, &ferr) || ferr.Code != fault.URLExpired {
		t.Errorf("expected url_expired one second past deadline, got %v", err)
	}
}

func TestMediaTypeFromName(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"photo.jpg", "image/jpeg"},
		{"photo.JPG", "image/jpeg"},
		{"scan.png", "image/png"},
		{"clip.webp", "image/webp"},
		{"mystery", "application/octet-stream"},
	}

	for _, tc := range tests {
		t.Run(tc.file, func(t *testing.T) {
			if got := mediaTypeFromName(tc.file); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
