package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/snapsift/snapsift/internal/faceindex"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/taskq"
	"github.com/snapsift/snapsift/internal/vecstore"
)

// indexStage downloads every event image, embeds all detected faces,
// upserts the points into the vector collection, and writes the on-disk
// artifact. On success the event goes Published.
func (s *Stages) indexStage(ctx context.Context, msg *taskq.Message) ([]byte, error) {
	var in publishPayload
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return nil, fmt.Errorf("unmarshal publish payload: %w", err)
	}

	scratch := filepath.Join(s.cfg.ScratchRoot, "share", in.EventID)
	if err := os.MkdirAll(scratch, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	// Start from a clean collection so redelivery cannot double points.
	if err := s.vec.Create(ctx, in.EventID); err != nil {
		return nil, err
	}

	idx := faceindex.New()
	var points []vecstore.Point
	total := len(in.Images)
	for i, ref := range in.Images {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		data, err := s.fetchImage(ctx, ref.URL)
		if err != nil {
			s.itemFailure(ctx, msg.TaskID(), 100*i/max(total, 1), ref.ImageID, err)
			continue
		}

		detected, err := s.models.Face().DetectFaces(ctx, data)
		if err != nil {
			s.itemFailure(ctx, msg.TaskID(), 100*i/max(total, 1), ref.ImageID, err)
			continue
		}
		for _, face := range detected.Faces {
			if len(face.Embedding) == 0 {
				continue
			}
			idx.Append(ref.ImageID, face.Embedding)
			points = append(points, vecstore.Point{ImageID: ref.ImageID, Vector: face.Embedding})
		}

		s.progress(ctx, msg.TaskID(), i+1, total, 0, 90,
			fmt.Sprintf("indexed %d faces from image %d/%d", len(detected.Faces), i+1, total))
	}

	if err := s.vec.Upsert(ctx, in.EventID, points); err != nil {
		return nil, fmt.Errorf("upsert face points: %w", err)
	}
	if err := idx.Save(faceindex.Dir(s.cfg.ScratchRoot, in.EventID)); err != nil {
		return nil, fmt.Errorf("save index artifact: %w", err)
	}

	if err := s.events.SetStatus(ctx, in.EventID, store.EventPublished); err != nil {
		return nil, err
	}

	// Downloaded images are disposable; the artifact persists.
	if err := os.RemoveAll(scratch); err != nil {
		s.itemFailure(ctx, msg.TaskID(), 95, "scratch cleanup", err)
	}

	s.progress(ctx, msg.TaskID(), 1, 1, 0, 100, "index built")
	return json.Marshal(indexResult{
		EventID:    in.EventID,
		EventName:  in.EventName,
		OwnerEmail: in.OwnerEmail,
		Images:     total,
		Faces:      idx.Len(),
	})
}

// notifyStage dispatches the publication email through the email queue
// as its own single-task chain.
func (s *Stages) notifyStage(ctx context.Context, msg *taskq.Message) ([]byte, error) {
	var in indexResult
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return nil, fmt.Errorf("unmarshal notify payload: %w", err)
	}
	if in.OwnerEmail == "" {
		s.progress(ctx, msg.TaskID(), 1, 1, 0, 100, "owner has no email address, skipping notification")
		return msg.Payload, nil
	}

	taskID := uuid.New().String()
	if err := s.tasks.CreateChain(ctx, taskq.QueueEmail, []string{taskID}); err != nil {
		return nil, fmt.Errorf("create email task: %w", err)
	}

	payload, err := json.Marshal(emailPayload{
		To:        in.OwnerEmail,
		EventName: in.EventName,
		Images:    in.Images,
		Faces:     in.Faces,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal email payload: %w", err)
	}

	body, err := json.Marshal(&taskq.Message{
		Queue:    taskq.QueueEmail,
		ChainIDs: []string{taskID},
		Kinds:    []string{KindSendEmail},
		Payload:  payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal email message: %w", err)
	}
	if err := s.queue.Publish(ctx, taskq.QueueEmail, body); err != nil {
		return nil, fmt.Errorf("publish email task: %w", err)
	}

	s.progress(ctx, msg.TaskID(), 1, 1, 0, 100, "notification dispatched")
	return msg.Payload, nil
}

// sendEmailStage delivers the publication email over SMTP.
func (s *Stages) sendEmailStage(ctx context.Context, msg *taskq.Message) ([]byte, error) {
	var in emailPayload
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return nil, fmt.Errorf("unmarshal email payload: %w", err)
	}
	if err := s.mail.SendEventPublished(in.To, in.EventName, in.Images, in.Faces); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return msg.Payload, nil
}

// fetchImage downloads one image into memory.
func (s *Stages) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
