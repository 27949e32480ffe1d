package vision

import "testing"

func TestForwardFacing(t *testing.T) {
	tests := []struct {
		name string
		lm   Landmarks
		want bool
	}{
		{
			name: "nose centered",
			lm: Landmarks{
				LeftEye:  []float64{100, 50},
				RightEye: []float64{200, 50},
				Nose:     []float64{150, 90},
			},
			want: true,
		},
		{
			name: "nose at tolerance boundary",
			lm: Landmarks{
				LeftEye:  []float64{100, 50},
				RightEye: []float64{200, 50},
				Nose:     []float64{160, 90}, // offset 10 = 10% of eye distance
			},
			want: true,
		},
		{
			name: "profile face",
			lm: Landmarks{
				LeftEye:  []float64{100, 50},
				RightEye: []float64{200, 50},
				Nose:     []float64{175, 90}, // offset 25 = 25%
			},
			want: false,
		},
		{
			name: "degenerate eye distance",
			lm: Landmarks{
				LeftEye:  []float64{150, 50},
				RightEye: []float64{150, 50},
				Nose:     []float64{150, 90},
			},
			want: false,
		},
		{
			name: "missing landmarks",
			lm:   Landmarks{},
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ForwardFacing(tc.lm); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestForwardFacingFaces(t *testing.T) {
	faces := []Face{
		{FaceIndex: 0, Landmarks: Landmarks{
			LeftEye: []float64{100, 50}, RightEye: []float64{200, 50}, Nose: []float64{150, 90},
		}},
		{FaceIndex: 1, Landmarks: Landmarks{
			LeftEye: []float64{100, 50}, RightEye: []float64{200, 50}, Nose: []float64{190, 90},
		}},
	}

	kept := ForwardFacingFaces(faces)
	if len(kept) != 1 {
		t.Fatalf("expected 1 forward-facing face, got %d", len(kept))
	}
	if kept[0].FaceIndex != 0 {
		t.Errorf("expected face 0 kept, got %d", kept[0].FaceIndex)
	}
}
