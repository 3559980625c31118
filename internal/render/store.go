package render

import (
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
)

// FrameStore persists frames as numbered JPEG files.
type FrameStore struct {
	quality int
}

func NewFrameStore(quality int) *FrameStore {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &FrameStore{quality: quality}
}

// FrameName returns the on-disk name used for a frame index.
func FrameName(index int) string {
	return fmt.Sprintf("frame_%04d.jpg", index)
}

// Save writes f into dir, creating dir when needed, and returns the file path.
func (s *FrameStore) Save(dir string, f Frame) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create frames dir: %w", err)
	}
	path := filepath.Join(dir, FrameName(f.Index))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create frame file: %w", err)
	}
	if err := EncodeJPEG(file, f, s.quality); err != nil {
		file.Close()
		os.Remove(path)
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close frame file: %w", err)
	}
	return path, nil
}

// EncodeJPEG writes the frame image as JPEG.
func EncodeJPEG(w io.Writer, f Frame, quality int) error {
	if f.Image == nil {
		return fmt.Errorf("frame %d has no image", f.Index)
	}
	if err := jpeg.Encode(w, f.Image, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode frame %d: %w", f.Index, err)
	}
	return nil
}
