package pipeline

import (
	"time"

	"github.com/snapsift/snapsift/internal/store"
)

// Stage kinds on the culling queue, in chain order.
const (
	KindDownload  = "download"
	KindBlur      = "blur"
	KindClosedEye = "closed_eye"
	KindDuplicate = "duplicate"
	KindPersist   = "persist"
)

// Stage kinds on the smart_sharing and email queues.
const (
	KindIndex     = "index"
	KindNotify    = "notify"
	KindSendEmail = "send_email"
)

var cullKinds = []string{KindDownload, KindBlur, KindClosedEye, KindDuplicate, KindPersist}
var publishKinds = []string{KindIndex, KindNotify}

// CullContext identifies the workspace a culling chain operates on. It is
// carried through every stage payload.
type CullContext struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	Prefix      string `json:"prefix"`
	ScratchDir  string `json:"scratch_dir,omitempty"` // set by the download stage
}

// Descriptor is one downloaded image on local scratch.
type Descriptor struct {
	LocalPath    string `json:"local_path"`
	OriginalName string `json:"original_name"`
	MediaType    string `json:"media_type"`
	Size         int64  `json:"size"`
}

// CulledMeta is the metadata a classification stage produces for one
// sorted image. The persist stage turns these into CulledImage rows.
type CulledMeta struct {
	ID              string                `json:"id"`
	OriginalName    string                `json:"original_name"`
	MediaType       string                `json:"media_type"`
	DetectionStatus store.DetectionStatus `json:"detection_status"`
	DownloadURL     string                `json:"download_url"`
	URLValidUntil   time.Time             `json:"url_valid_until"`
	UploadedAt      time.Time             `json:"uploaded_at"`
}

// cullStartPayload is the download stage's input.
type cullStartPayload struct {
	Cull CullContext `json:"cull"`
	URLs []string    `json:"urls"`
}

// cullStagePayload flows between the classification stages: the remaining
// survivors plus the accumulated metadata of everything sorted so far.
type cullStagePayload struct {
	Cull        CullContext  `json:"cull"`
	Descriptors []Descriptor `json:"descriptors"`
	Culled      []CulledMeta `json:"culled"`
}

// cullResult is the terminal stage's result payload, surfaced to clients
// polling the chain.
type cullResult struct {
	Images         int `json:"images"`
	Blur           int `json:"blur"`
	ClosedEye      int `json:"closed_eye"`
	Duplicate      int `json:"duplicate"`
	FineCollection int `json:"fine_collection"`
}

// ShareRef points the index stage at one event image.
type ShareRef struct {
	ImageID string `json:"image_id"`
	URL     string `json:"url"`
}

// publishPayload is the smart_sharing chain's input.
type publishPayload struct {
	EventID    string     `json:"event_id"`
	UserID     string     `json:"user_id"`
	EventName  string     `json:"event_name"`
	OwnerEmail string     `json:"owner_email"`
	Images     []ShareRef `json:"images"`
}

// indexResult is the index stage's result, fed into the notify stage.
type indexResult struct {
	EventID    string `json:"event_id"`
	EventName  string `json:"event_name"`
	OwnerEmail string `json:"owner_email"`
	Images     int    `json:"images"`
	Faces      int    `json:"faces"`
}

// emailPayload is the email queue's message body.
type emailPayload struct {
	To        string `json:"to"`
	EventName string `json:"event_name"`
	Images    int    `json:"images"`
	Faces     int    `json:"faces"`
}
