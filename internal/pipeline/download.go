package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/snapsift/snapsift/internal/fault"
	"github.com/snapsift/snapsift/internal/taskq"
)

// downloadChunkSize bounds the copy buffer so one large image cannot
// balloon worker memory.
const downloadChunkSize = 1 << 20

// ValidateDownloadURL checks that a presigned URL parses and its
// signature deadline has not passed. Presigned URLs carry the signing
// instant and lifetime as query parameters.
func ValidateDownloadURL(raw string, now time.Time) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fault.New(fault.URLInvalid, "unparseable download URL %q", raw)
	}

	q := u.Query()
	dateStr := q.Get("X-Amz-Date")
	expiresStr := q.Get("X-Amz-Expires")
	if dateStr == "" || expiresStr == "" {
		return fault.New(fault.URLInvalid, "URL %q carries no signature deadline", raw)
	}

	signed, err := time.Parse("20060102T150405Z", dateStr)
	if err != nil {
		return fault.New(fault.URLInvalid, "URL %q has malformed signing date", raw)
	}
	lifetime, err := strconv.Atoi(expiresStr)
	if err != nil || lifetime <= 0 {
		return fault.New(fault.URLInvalid, "URL %q has malformed expiry", raw)
	}

	if now.After(signed.Add(time.Duration(lifetime) * time.Second)) {
		return fault.New(fault.URLExpired, "download URL for %s expired", path.Base(u.Path))
	}
	return nil
}

// downloadStage streams every URL to local scratch and emits the
// descriptor list the classification stages consume.
func (s *Stages) downloadStage(ctx context.Context, msg *taskq.Message) ([]byte, error) {
	var in cullStartPayload
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return nil, fault.Wrap(fault.URLInvalid, err)
	}

	scratch := filepath.Join(s.cfg.ScratchRoot, "cull", in.Cull.WorkspaceID)
	if err := os.MkdirAll(scratch, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	in.Cull.ScratchDir = scratch

	descriptors := make([]Descriptor, 0, len(in.URLs))
	for i, raw := range in.URLs {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		d, err := s.downloadOne(ctx, raw, scratch)
		if err != nil {
			// Expired or invalid URLs fail the whole stage; anything
			// else bubbles up as transient for the retry policy.
			return nil, err
		}
		descriptors = append(descriptors, d)
		s.progress(ctx, msg.TaskID(), i+1, len(in.URLs), 0, 100,
			fmt.Sprintf("downloaded %s", d.OriginalName))
	}

	return json.Marshal(cullStagePayload{Cull: in.Cull, Descriptors: descriptors})
}

func (s *Stages) downloadOne(ctx context.Context, raw, scratch string) (Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fault.New(fault.URLInvalid, "unparseable download URL %q", raw)
	}
	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return Descriptor{}, fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return Descriptor{}, fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch {
		case resp.StatusCode == http.StatusForbidden && strings.Contains(string(body), "AccessDenied"):
			return Descriptor{}, fault.New(fault.URLExpired, "download URL for %s expired", name)
		case resp.StatusCode == http.StatusNotFound,
			strings.Contains(string(body), "SignatureDoesNotMatch"):
			return Descriptor{}, fault.New(fault.URLInvalid, "download URL for %s rejected", name)
		default:
			return Descriptor{}, fmt.Errorf("download %s: status %d", name, resp.StatusCode)
		}
	}

	local := filepath.Join(scratch, name)
	f, err := os.Create(local)
	if err != nil {
		return Descriptor{}, fmt.Errorf("create %s: %w", local, err)
	}
	written, err := io.CopyBuffer(f, resp.Body, make([]byte, downloadChunkSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(local)
		return Descriptor{}, fmt.Errorf("write %s: %w", local, err)
	}

	return Descriptor{
		LocalPath:    local,
		OriginalName: name,
		MediaType:    mediaTypeFromName(name),
		Size:         written,
	}, nil
}

// mediaTypeFromName infers the media type from the filename extension.
func mediaTypeFromName(name string) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
