package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/snapsift/snapsift/internal/objstore"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/taskq"
	"github.com/snapsift/snapsift/internal/vision"
)

// blurStage classifies every survivor with the blur model. Blurred
// images are sorted into blur/; the rest flow on unchanged.
func (s *Stages) blurStage(ctx context.Context, msg *taskq.Message) ([]byte, error) {
	var in cullStagePayload
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return nil, fmt.Errorf("unmarshal blur payload: %w", err)
	}

	survivors := make([]Descriptor, 0, len(in.Descriptors))
	total := len(in.Descriptors)
	for i, d := range in.Descriptors {
		pct := 100 * i / max(total, 1)

		data, err := os.ReadFile(d.LocalPath)
		if err != nil {
			s.itemFailure(ctx, msg.TaskID(), pct, d.OriginalName, err)
			continue
		}
		blurred, err := s.models.Blur().ClassifyBlur(ctx, data)
		if err != nil {
			s.itemFailure(ctx, msg.TaskID(), pct, d.OriginalName, err)
			continue
		}

		if blurred {
			meta, err := s.cullUpload(ctx, in.Cull, d, data, store.StatusBlur)
			if err != nil {
				s.itemFailure(ctx, msg.TaskID(), pct, d.OriginalName, err)
				continue
			}
			in.Culled = append(in.Culled, meta)
			_ = os.Remove(d.LocalPath)
		} else {
			survivors = append(survivors, d)
		}
		s.progress(ctx, msg.TaskID(), i+1, total, 0, 100,
			fmt.Sprintf("classified %s", d.OriginalName))
	}

	in.Descriptors = survivors
	return json.Marshal(in)
}

// closedEyeStage detects faces, keeps only forward-facing crops, and
// labels the image ClosedEye when any crop classifies as closed.
func (s *Stages) closedEyeStage(ctx context.Context, msg *taskq.Message) ([]byte, error) {
	var in cullStagePayload
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return nil, fmt.Errorf("unmarshal closed-eye payload: %w", err)
	}

	survivors := make([]Descriptor, 0, len(in.Descriptors))
	total := len(in.Descriptors)
	for i, d := range in.Descriptors {
		pct := 100 * i / max(total, 1)

		data, err := os.ReadFile(d.LocalPath)
		if err != nil {
			s.itemFailure(ctx, msg.TaskID(), pct, d.OriginalName, err)
			continue
		}

		closed, err := s.anyClosedFace(ctx, data)
		if err != nil {
			s.itemFailure(ctx, msg.TaskID(), pct, d.OriginalName, err)
			continue
		}

		if closed {
			meta, err := s.cullUpload(ctx, in.Cull, d, data, store.StatusClosedEye)
			if err != nil {
				s.itemFailure(ctx, msg.TaskID(), pct, d.OriginalName, err)
				continue
			}
			in.Culled = append(in.Culled, meta)
			_ = os.Remove(d.LocalPath)
		} else {
			survivors = append(survivors, d)
		}
		s.progress(ctx, msg.TaskID(), i+1, total, 0, 100,
			fmt.Sprintf("checked %s", d.OriginalName))
	}

	in.Descriptors = survivors
	return json.Marshal(in)
}

// anyClosedFace reports whether any forward-facing face in the image
// classifies as closed-eyed. Crops that fail to cut are skipped, not
// counted as closed.
func (s *Stages) anyClosedFace(ctx context.Context, data []byte) (bool, error) {
	detected, err := s.models.Face().DetectFaces(ctx, data)
	if err != nil {
		return false, err
	}

	for _, face := range vision.ForwardFacingFaces(detected.Faces) {
		crop, err := vision.CropFace(data, face.BBox)
		if err != nil {
			continue
		}
		closed, err := s.models.Eyes().ClassifyEyes(ctx, crop)
		if err != nil {
			return false, err
		}
		if closed {
			return true, nil
		}
	}
	return false, nil
}

// duplicateStage extracts a feature vector per survivor, marks both
// members of every over-threshold pair as duplicates, and sorts
// everything into duplicate/ or fine_collection/. This is the terminal
// classification: no descriptor leaves this stage unsorted.
func (s *Stages) duplicateStage(ctx context.Context, msg *taskq.Message) ([]byte, error) {
	var in cullStagePayload
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return nil, fmt.Errorf("unmarshal duplicate payload: %w", err)
	}

	type candidate struct {
		desc Descriptor
		data []byte
		vec  []float32
	}

	candidates := make([]candidate, 0, len(in.Descriptors))
	for _, d := range in.Descriptors {
		data, err := os.ReadFile(d.LocalPath)
		if err != nil {
			s.itemFailure(ctx, msg.TaskID(), 0, d.OriginalName, err)
			continue
		}
		vec, err := s.models.Features().ExtractFeatures(ctx, data)
		if err != nil {
			// Without a feature vector the image cannot be compared;
			// it lands in fine_collection below.
			s.itemFailure(ctx, msg.TaskID(), 0, d.OriginalName, err)
			vec = nil
		}
		candidates = append(candidates, candidate{desc: d, data: data, vec: vec})
	}

	names := make([]string, len(candidates))
	vecs := make([][]float32, len(candidates))
	for i, c := range candidates {
		names[i] = c.desc.OriginalName
		vecs[i] = c.vec
	}
	// The similarity matrix accounts for the first two-thirds of this
	// stage's progress.
	dup := duplicateNames(names, vecs, s.cfg.Pipeline.DuplicateThreshold, func(done, total int) {
		s.progress(ctx, msg.TaskID(), done, max(total, 1), 0, 66, "comparing images")
	})

	n := len(candidates)
	for i, c := range candidates {
		status := store.StatusFineCollection
		if dup[c.desc.OriginalName] {
			status = store.StatusDuplicate
		}
		meta, err := s.cullUpload(ctx, in.Cull, c.desc, c.data, status)
		if err != nil {
			s.itemFailure(ctx, msg.TaskID(), 66, c.desc.OriginalName, err)
			continue
		}
		in.Culled = append(in.Culled, meta)
		_ = os.Remove(c.desc.LocalPath)
		s.progress(ctx, msg.TaskID(), i+1, n, 66, 100,
			fmt.Sprintf("sorted %s as %s", c.desc.OriginalName, status))
	}

	in.Descriptors = nil
	return json.Marshal(in)
}

// persistStage is the terminal culling transaction: all collected
// metadata becomes CulledImage rows, the pre-cull rows go away, and the
// workspace flips to done. On failure everything stays in place for
// operator recovery.
func (s *Stages) persistStage(ctx context.Context, msg *taskq.Message) ([]byte, error) {
	var in cullStagePayload
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return nil, fmt.Errorf("unmarshal persist payload: %w", err)
	}

	rows := make([]store.CulledImage, len(in.Culled))
	result := cullResult{Images: len(in.Culled)}
	for i, m := range in.Culled {
		rows[i] = store.CulledImage{
			ID:              m.ID,
			WorkspaceID:     in.Cull.WorkspaceID,
			OriginalName:    m.OriginalName,
			MediaType:       m.MediaType,
			DetectionStatus: m.DetectionStatus,
			DownloadURL:     m.DownloadURL,
			URLValidUntil:   m.URLValidUntil,
			UploadedAt:      m.UploadedAt,
		}
		switch m.DetectionStatus {
		case store.StatusBlur:
			result.Blur++
		case store.StatusClosedEye:
			result.ClosedEye++
		case store.StatusDuplicate:
			result.Duplicate++
		case store.StatusFineCollection:
			result.FineCollection++
		}
	}

	if err := s.images.FinishCulling(ctx, in.Cull.WorkspaceID, rows); err != nil {
		return nil, fmt.Errorf("finish culling: %w", err)
	}

	if in.Cull.ScratchDir != "" {
		if err := os.RemoveAll(in.Cull.ScratchDir); err != nil {
			s.itemFailure(ctx, msg.TaskID(), 100, "scratch cleanup", err)
		}
	}

	s.progress(ctx, msg.TaskID(), 1, 1, 0, 100, "culling complete")
	return json.Marshal(result)
}

// duplicateNames marks both members of every over-threshold similar
// pair, which can cascade a whole cluster into the duplicate set.
// Comparison order is fixed to (i, j) with i < j so identical inputs
// always produce the identical set. Nil vectors never match. onPair is
// called after each compared pair for progress reporting.
func duplicateNames(names []string, vecs [][]float32, threshold float64, onPair func(done, total int)) map[string]bool {
	dup := make(map[string]bool)
	n := len(names)
	totalPairs := n * (n - 1) / 2
	pair := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pair++
			if vecs[i] != nil && vecs[j] != nil &&
				vision.CosineSimilarity(vecs[i], vecs[j]) > threshold {
				dup[names[i]] = true
				dup[names[j]] = true
			}
			if onPair != nil {
				onPair(pair, totalPairs)
			}
		}
	}
	return dup
}

// cullUpload moves one classified image into its quality bucket: upload
// under a freshly minted id, then mint the time-limited download URL.
// The artifact upload always precedes the metadata write.
func (s *Stages) cullUpload(ctx context.Context, cull CullContext, d Descriptor, data []byte, status store.DetectionStatus) (CulledMeta, error) {
	id := uuid.New().String()
	objectName := id + "_" + d.OriginalName
	key := objstore.CulledKey(cull.Prefix, status, objectName)

	if err := s.obj.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), d.MediaType); err != nil {
		return CulledMeta{}, err
	}
	downloadURL, validUntil, err := s.obj.PresignedGet(ctx, key, s.cfg.ObjectStore.URLTTL)
	if err != nil {
		return CulledMeta{}, err
	}

	return CulledMeta{
		ID:              id,
		OriginalName:    d.OriginalName,
		MediaType:       d.MediaType,
		DetectionStatus: status,
		DownloadURL:     downloadURL,
		URLValidUntil:   validUntil,
		UploadedAt:      time.Now(),
	}, nil
}
