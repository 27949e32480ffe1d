package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/fault"
	"github.com/snapsift/snapsift/internal/faceindex"
	"github.com/snapsift/snapsift/internal/objstore"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/taskq"
	"github.com/snapsift/snapsift/internal/vecstore"
	"github.com/snapsift/snapsift/internal/vision"
)

const startMaxAttempts = 5

// Coordinator composes the culling and indexing chains and owns every
// workspace state transition. It runs in the API process; the stages run
// in workers.
type Coordinator struct {
	cfg        *config.Config
	workspaces *store.WorkspaceRepository
	events     *store.EventRepository
	images     *store.ImageRepository
	users      *store.UserRepository
	tasks      *store.TaskRepository
	quota      *store.QuotaManager
	obj        *objstore.Store
	vec        *vecstore.Store
	models     *vision.Registry
	queue      *taskq.Client
}

// NewCoordinator wires the coordinator's collaborators.
func NewCoordinator(
	cfg *config.Config,
	workspaces *store.WorkspaceRepository,
	events *store.EventRepository,
	images *store.ImageRepository,
	users *store.UserRepository,
	tasks *store.TaskRepository,
	quota *store.QuotaManager,
	obj *objstore.Store,
	vec *vecstore.Store,
	models *vision.Registry,
	queue *taskq.Client,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		workspaces: workspaces,
		events:     events,
		images:     images,
		users:      users,
		tasks:      tasks,
		quota:      quota,
		obj:        obj,
		vec:        vec,
		models:     models,
		queue:      queue,
	}
}

// StartCull validates the workspace and URL deadlines, records the chain
// on the workspace, and enqueues the five culling stages. Returns the
// head task id for polling.
func (c *Coordinator) StartCull(ctx context.Context, userID, workspaceID string, urls []string) (string, error) {
	ws, err := c.workspaces.GetOwned(ctx, userID, workspaceID)
	if err != nil {
		return "", err
	}
	if ws.CullingInProgress {
		return "", fault.New(fault.WorkspaceLocked, "culling already in progress for workspace %s", workspaceID)
	}
	if len(urls) == 0 {
		return "", fault.New(fault.URLInvalid, "no download URLs provided")
	}
	for _, u := range urls {
		if err := ValidateDownloadURL(u, time.Now()); err != nil {
			return "", err
		}
	}

	ids := newChainIDs(len(cullKinds))
	if err := c.tasks.CreateChain(ctx, taskq.QueueCulling, ids); err != nil {
		return "", fmt.Errorf("create culling chain: %w", err)
	}

	// The flag flip contends with concurrent starts and deletes; retry
	// plain database errors with backoff, never classified verdicts.
	if err := c.withRetry(ctx, func() error {
		return c.workspaces.BeginCulling(ctx, workspaceID, ids)
	}); err != nil {
		if ferr := c.tasks.MarkChainFailure(ctx, ids, "chain never started"); ferr != nil {
			log.Printf("coordinator: could not fail unstarted chain: %v", ferr)
		}
		return "", err
	}

	payload, err := json.Marshal(cullStartPayload{
		Cull: CullContext{WorkspaceID: workspaceID, UserID: userID, Prefix: ws.Prefix},
		URLs: urls,
	})
	if err != nil {
		return "", fmt.Errorf("marshal cull payload: %w", err)
	}

	if err := c.publishHead(ctx, taskq.QueueCulling, ids, cullKinds, payload); err != nil {
		return "", err
	}
	return ids[0], nil
}

// StartPublish enqueues the two-stage indexing chain for an event and
// moves it to Pending.
func (c *Coordinator) StartPublish(ctx context.Context, userID, eventID string) (string, error) {
	ev, err := c.events.GetOwned(ctx, userID, eventID)
	if err != nil {
		return "", err
	}
	if ev.Status == store.EventPublished {
		return "", fault.New(fault.WorkspaceLocked, "event %s is already published", eventID)
	}

	shareImages, err := c.images.ListShare(ctx, eventID)
	if err != nil {
		return "", err
	}
	if len(shareImages) == 0 {
		return "", fault.New(fault.URLInvalid, "event %s has no images to index", eventID)
	}

	owner, err := c.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	ownerEmail := ""
	if owner != nil {
		ownerEmail = owner.Email
	}

	refs := make([]ShareRef, len(shareImages))
	for i, img := range shareImages {
		refs[i] = ShareRef{ImageID: img.ID, URL: img.DownloadURL}
	}

	ids := newChainIDs(len(publishKinds))
	if err := c.tasks.CreateChain(ctx, taskq.QueueSmartSharing, ids); err != nil {
		return "", fmt.Errorf("create publish chain: %w", err)
	}
	if err := c.events.SetStatus(ctx, eventID, store.EventPending); err != nil {
		return "", err
	}

	payload, err := json.Marshal(publishPayload{
		EventID:    eventID,
		UserID:     userID,
		EventName:  ev.Name,
		OwnerEmail: ownerEmail,
		Images:     refs,
	})
	if err != nil {
		return "", fmt.Errorf("marshal publish payload: %w", err)
	}

	if err := c.publishHead(ctx, taskq.QueueSmartSharing, ids, publishKinds, payload); err != nil {
		return "", err
	}
	return ids[0], nil
}

// DeleteWorkspace removes the workspace row and its quota in one
// transaction, then clears the object-store prefix. Rejected while a
// culling chain is running.
func (c *Coordinator) DeleteWorkspace(ctx context.Context, userID, workspaceID string) error {
	ws, err := c.workspaces.Delete(ctx, c.quota, userID, workspaceID)
	if err != nil {
		return err
	}

	// Artifacts without metadata are tolerated garbage; the prefix
	// delete is best-effort outside the transaction.
	if err := c.obj.RemovePrefix(ctx, ws.Prefix); err != nil {
		log.Printf("coordinator: prefix cleanup for workspace %s failed: %v", workspaceID, err)
	}
	return nil
}

// DeleteEvent removes the event, its quota share, its vector collection,
// and the on-disk index artifact.
func (c *Coordinator) DeleteEvent(ctx context.Context, userID, eventID string) error {
	ev, err := c.events.Delete(ctx, c.quota, userID, eventID)
	if err != nil {
		return err
	}

	if err := c.obj.RemovePrefix(ctx, ev.Prefix); err != nil {
		log.Printf("coordinator: prefix cleanup for event %s failed: %v", eventID, err)
	}
	if err := c.vec.DeleteCollection(ctx, eventID); err != nil {
		log.Printf("coordinator: collection cleanup for event %s failed: %v", eventID, err)
	}
	if err := faceindex.Remove(c.cfg.ScratchRoot, eventID); err != nil {
		log.Printf("coordinator: artifact cleanup for event %s failed: %v", eventID, err)
	}
	return nil
}

// CancelCull is the operator escape hatch: it clears the workspace's
// task-id list so a redelivered stage finds nothing to do.
func (c *Coordinator) CancelCull(ctx context.Context, userID, workspaceID string) error {
	if _, err := c.workspaces.GetOwned(ctx, userID, workspaceID); err != nil {
		return err
	}
	return c.workspaces.ClearTaskIDs(ctx, workspaceID)
}

// ChainTasks returns the task rows of a workspace's current chain in
// chain order.
func (c *Coordinator) ChainTasks(ctx context.Context, userID, workspaceID string) ([]store.Task, error) {
	ws, err := c.workspaces.GetOwned(ctx, userID, workspaceID)
	if err != nil {
		return nil, err
	}
	return c.tasks.GetMany(ctx, ws.TaskIDs)
}

func (c *Coordinator) publishHead(ctx context.Context, queue string, ids, kinds []string, payload []byte) error {
	head := &taskq.Message{
		Queue:    queue,
		ChainIDs: ids,
		Kinds:    kinds,
		Position: 0,
		Payload:  payload,
	}
	body, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("marshal chain head: %w", err)
	}
	if err := c.queue.Publish(ctx, queue, body); err != nil {
		return fmt.Errorf("publish chain head: %w", err)
	}
	return nil
}

// withRetry retries fn with exponential backoff on unclassified errors.
// Classified faults are verdicts and return immediately.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := c.cfg.Pipeline.RetryBackoffBase
	for attempt := 1; attempt <= startMaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var ferr *fault.Error
		if errors.As(err, &ferr) {
			return err
		}
		if attempt == startMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func newChainIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.New().String()
	}
	return ids
}
