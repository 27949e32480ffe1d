package pipeline

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/mailer"
	"github.com/snapsift/snapsift/internal/objstore"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/taskq"
	"github.com/snapsift/snapsift/internal/vecstore"
	"github.com/snapsift/snapsift/internal/vision"
)

// Stages holds the worker-side stage handlers for all three queues.
type Stages struct {
	cfg     *config.Config
	images  *store.ImageRepository
	events  *store.EventRepository
	tasks   *store.TaskRepository
	obj     *objstore.Store
	vec     *vecstore.Store
	models  *vision.Registry
	queue   *taskq.Client
	mail    *mailer.Mailer
	limiter *rate.Limiter
	httpc   *http.Client
}

// NewStages wires the stage handlers' collaborators.
func NewStages(
	cfg *config.Config,
	images *store.ImageRepository,
	events *store.EventRepository,
	tasks *store.TaskRepository,
	obj *objstore.Store,
	vec *vecstore.Store,
	models *vision.Registry,
	queue *taskq.Client,
	mail *mailer.Mailer,
) *Stages {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps := cfg.Pipeline.DownloadRatePerSec; rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Stages{
		cfg:     cfg,
		images:  images,
		events:  events,
		tasks:   tasks,
		obj:     obj,
		vec:     vec,
		models:  models,
		queue:   queue,
		mail:    mail,
		limiter: limiter,
		httpc:   &http.Client{},
	}
}

// RegisterCulling attaches the five culling stage handlers.
func (s *Stages) RegisterCulling(c *taskq.Consumer) {
	c.Handle(KindDownload, s.downloadStage)
	c.Handle(KindBlur, s.blurStage)
	c.Handle(KindClosedEye, s.closedEyeStage)
	c.Handle(KindDuplicate, s.duplicateStage)
	c.Handle(KindPersist, s.persistStage)
}

// RegisterSharing attaches the indexing chain handlers.
func (s *Stages) RegisterSharing(c *taskq.Consumer) {
	c.Handle(KindIndex, s.indexStage)
	c.Handle(KindNotify, s.notifyStage)
}

// RegisterEmail attaches the email queue handler.
func (s *Stages) RegisterEmail(c *taskq.Consumer) {
	c.Handle(KindSendEmail, s.sendEmailStage)
}

// progress reports one stage's completion fraction scaled into [lo, hi].
// Errors are logged, not propagated: progress loss never fails a stage.
func (s *Stages) progress(ctx context.Context, taskID string, done, total, lo, hi int, info string) {
	pct := hi
	if total > 0 {
		pct = lo + (hi-lo)*done/total
	}
	if err := s.tasks.ReportProgress(ctx, taskID, pct, info); err != nil {
		log.Printf("pipeline: progress report for task %s failed: %v", taskID, err)
	}
}

// itemFailure records a benign per-item error into the task state at the
// current progress value and moves on.
func (s *Stages) itemFailure(ctx context.Context, taskID string, pct int, name string, err error) {
	info := fmt.Sprintf("skipped %s: %v", name, err)
	log.Printf("pipeline: task %s: %s", taskID, info)
	if perr := s.tasks.ReportProgress(ctx, taskID, pct, info); perr != nil {
		log.Printf("pipeline: progress report for task %s failed: %v", taskID, perr)
	}
}
