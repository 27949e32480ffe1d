package objstore

import (
	"path"

	"github.com/snapsift/snapsift/internal/store"
)

// Bucket layout:
//
//	cull/{user}/{workspace}/pre_cull/{image}
//	cull/{user}/{workspace}/{blur|closed_eye|duplicate|fine_collection}/{image}
//	share/{user}/{event}/photos/{image}
//	share/{user}/{event}/cover/{image}

// WorkspacePrefix is the root prefix of one cull workspace.
func WorkspacePrefix(userID, workspaceID string) string {
	return path.Join("cull", userID, workspaceID) + "/"
}

// EventPrefix is the root prefix of one share event.
func EventPrefix(userID, eventID string) string {
	return path.Join("share", userID, eventID) + "/"
}

// PreCullKey is the landing key of a freshly uploaded workspace image.
func PreCullKey(prefix, imageID string) string {
	return path.Join(prefix, "pre_cull", imageID)
}

// CulledKey is the key of an image after it has been sorted into a
// quality bucket.
func CulledKey(prefix string, status store.DetectionStatus, imageID string) string {
	return path.Join(prefix, statusFolder(status), imageID)
}

// ShareKey is the key of an event photo.
func ShareKey(prefix, imageID string) string {
	return path.Join(prefix, "photos", imageID)
}

// CoverKey is the key of an event cover image.
func CoverKey(prefix, imageID string) string {
	return path.Join(prefix, "cover", imageID)
}

func statusFolder(status store.DetectionStatus) string {
	switch status {
	case store.StatusBlur:
		return "blur"
	case store.StatusClosedEye:
		return "closed_eye"
	case store.StatusDuplicate:
		return "duplicate"
	default:
		return "fine_collection"
	}
}
