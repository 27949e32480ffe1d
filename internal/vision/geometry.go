package vision

import "math"

// forwardFacingRatio bounds the nose's horizontal offset from the eye
// midpoint, measured in inter-eye distances.
const forwardFacingRatio = 0.1

// ForwardFacing reports whether a face looks at the camera: the nose must
// sit within 10% of the inter-eye distance from the eye midpoint.
func ForwardFacing(lm Landmarks) bool {
	if len(lm.LeftEye) < 1 || len(lm.RightEye) < 1 || len(lm.Nose) < 1 {
		return false
	}
	leftX, rightX, noseX := lm.LeftEye[0], lm.RightEye[0], lm.Nose[0]

	eyeDist := math.Abs(rightX - leftX)
	if eyeDist == 0 {
		return false
	}
	mid := (leftX + rightX) / 2
	return math.Abs(mid-noseX)/eyeDist <= forwardFacingRatio
}

// ForwardFacingFaces filters a detection result down to the faces that
// pass the forward-facing test.
func ForwardFacingFaces(faces []Face) []Face {
	var out []Face
	for _, f := range faces {
		if ForwardFacing(f.Landmarks) {
			out = append(out, f)
		}
	}
	return out
}
