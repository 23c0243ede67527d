package types

import "testing"

func TestNewFrame_Geometry(t *testing.T) {
	f := NewFrame(4, 3)
	if !f.Valid() {
		t.Fatalf("expected valid frame, got len=%d", len(f.Pix))
	}
	if f.Stride() != 16 {
		t.Errorf("stride = %d, want 16", f.Stride())
	}
	f.Release()
}

func TestFrameRelease_Idempotent(t *testing.T) {
	f := NewFrame(2, 2)
	f.Release()
	f.Release()

	if !f.Released() {
		t.Fatal("expected frame to report released")
	}
	if f.Pix != nil {
		t.Error("expected pixel buffer to be dropped after release")
	}
	if f.Valid() {
		t.Error("released frame must not be valid")
	}
}

func TestFrameClone_Independent(t *testing.T) {
	f := NewFrame(1, 1)
	copy(f.Pix, []byte{1, 2, 3, 4})
	f.TraceID = "trace"

	c := f.Clone()
	f.Release()

	if c.Pix[0] != 1 || c.Pix[3] != 4 {
		t.Errorf("clone pixels = %v", c.Pix)
	}
	if c.TraceID != "trace" {
		t.Errorf("clone trace id = %q", c.TraceID)
	}
	c.Release()
}

func TestParseTask(t *testing.T) {
	tests := []struct {
		in      string
		want    Task
		wantErr bool
	}{
		{"object-detection", TaskSingleLabel, false},
		{"single-label-detection", TaskSingleLabel, false},
		{"zero-shot-object-detection", TaskOpenVocabulary, false},
		{"open-vocabulary-detection", TaskOpenVocabulary, false},
		{"segmentation", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTask(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProgressStatusRank_Order(t *testing.T) {
	order := []ProgressStatus{ProgressInitiate, ProgressDownload, ProgressProgress, ProgressDone}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s should rank below %s", order[i-1], order[i])
		}
	}
}
