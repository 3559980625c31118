package render

import (
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
)

func TestFrameStoreSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	r := NewRenderer(64, 48)
	f := r.RenderDefault(FaceRegion{X: 8, Y: 8, Width: 40, Height: 30})
	f.Index = 12

	path, err := NewFrameStore(80).Save(dir, f)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Base(path) != "frame_0012.jpg" {
		t.Fatalf("unexpected frame name %s", path)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open frame: %v", err)
	}
	defer file.Close()
	img, err := jpeg.Decode(file)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("unexpected decoded size %v", b)
	}
}

func TestEncodeJPEGRequiresImage(t *testing.T) {
	if err := EncodeJPEG(os.Stdout, Frame{Index: 1}, 90); err == nil {
		t.Fatal("expected error for frame without image")
	}
}
