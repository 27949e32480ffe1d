package pipeline

import (
	"context"
	"log"

	"github.com/snapsift/snapsift/internal/faceindex"
	"github.com/snapsift/snapsift/internal/fault"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/vecstore"
	"github.com/snapsift/snapsift/internal/vision"
)

// SearchResult pairs a matched event image with its similarity score.
type SearchResult struct {
	Image store.ShareImage
	Score float64
}

// maxSelfieEdge caps the longer edge of a selfie before it is sent to
// the face detector. Phone originals are routinely 4000px+.
const maxSelfieEdge = 1024

// SearchSelfie finds the event photos containing the selfie's face.
// Exactly one forward-facing face must be present. The nearest-neighbour
// lookup serves from the event's on-disk index artifact when this
// process has one; otherwise it falls back to the exact vector scan.
// guestID, when non-empty, records the guest's first access to the event.
func (c *Coordinator) SearchSelfie(ctx context.Context, eventID, guestID string, selfie []byte) ([]SearchResult, error) {
	ev, err := c.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fault.New(fault.WorkspaceNotFound, "event %s not found", eventID)
	}

	selfie, err = vision.Downscale(selfie, maxSelfieEdge)
	if err != nil {
		return nil, fault.New(fault.URLInvalid, "selfie is not a decodable image")
	}

	detected, err := c.models.Face().DetectFaces(ctx, selfie)
	if err != nil {
		return nil, err
	}
	forward := vision.ForwardFacingFaces(detected.Faces)
	if len(forward) != 1 {
		return nil, fault.New(fault.InvalidFaceCount,
			"expected exactly one forward-facing face, found %d", len(forward))
	}

	matches := c.artifactMatches(eventID, forward[0].Embedding)
	if matches == nil {
		matches, err = c.vec.SearchExact(ctx, eventID, forward[0].Embedding, c.cfg.Pipeline.SearchLimit)
		if err != nil {
			return nil, err
		}
	}

	// Multiple faces of the same person in one photo produce multiple
	// points for the same image; keep the best-ranked hit per image.
	threshold := c.cfg.Pipeline.FaceMatchThreshold
	scores := make(map[string]float64)
	order := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		if _, seen := scores[m.ImageID]; !seen {
			scores[m.ImageID] = m.Score
			order = append(order, m.ImageID)
		}
	}
	if len(order) == 0 {
		return nil, nil
	}

	images, err := c.images.GetShareByIDs(ctx, eventID, order)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.ShareImage, len(images))
	for _, img := range images {
		byID[img.ID] = img
	}

	results := make([]SearchResult, 0, len(order))
	for _, id := range order {
		if img, ok := byID[id]; ok {
			results = append(results, SearchResult{Image: img, Score: scores[id]})
		}
	}

	if guestID != "" && guestID != ev.UserID {
		if err := c.events.RecordAccess(ctx, eventID, guestID); err != nil {
			log.Printf("pipeline: could not record event access: %v", err)
		}
	}
	return results, nil
}

// artifactMatches serves the lookup from the event's on-disk index
// artifact. A missing or unreadable artifact returns nil and the caller
// falls back to the exact vector scan; workers and the API server do not
// share a scratch volume, so absence is the normal case off-worker.
func (c *Coordinator) artifactMatches(eventID string, query []float32) []vecstore.Match {
	idx, err := faceindex.Load(faceindex.Dir(c.cfg.ScratchRoot, eventID))
	if err != nil {
		return nil
	}
	hits := idx.Search(query, c.cfg.Pipeline.SearchLimit)
	out := make([]vecstore.Match, len(hits))
	for i, h := range hits {
		out[i] = vecstore.Match{ImageID: h.ImageID, Score: h.Score}
	}
	return out
}
