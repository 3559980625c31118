package mux

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"os"
)

const (
	aviHasIndex  = 0x10
	aviKeyFrame  = 0x10
	dibChunkID   = "00db"
	bitsPerPixel = 24
)

// aviWriter writes an uncompressed (BI_RGB, 24 bit, bottom-up) AVI file with
// a single video stream. Frame counts and sizes are patched in on Close.
type aviWriter struct {
	file   *os.File
	buf    *bufio.Writer
	width  int
	height int
	stride int

	offset     int64
	moviSizeAt int64
	moviStart  int64
	totalAt    []int64
	index      bytes.Buffer
	frames     uint32
	row        []byte
	closed     bool
}

func createAVI(path string, width, height, fps int) (*aviWriter, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create video: %w", err)
	}
	stride := (width*3 + 3) &^ 3
	w := &aviWriter{
		file:   file,
		buf:    bufio.NewWriterSize(file, 1<<16),
		width:  width,
		height: height,
		stride: stride,
		row:    make([]byte, stride),
	}
	if err := w.writeHeader(fps); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *aviWriter) writeHeader(fps int) error {
	var h bytes.Buffer
	frameSize := uint32(w.stride * w.height)
	put := func(v any) { _ = binary.Write(&h, binary.LittleEndian, v) }

	h.WriteString("RIFF")
	put(uint32(0)) // patched on Close
	h.WriteString("AVI ")

	h.WriteString("LIST")
	put(uint32(4 + 8 + 56 + 8 + 4 + 8 + 56 + 8 + 40))
	h.WriteString("hdrl")

	h.WriteString("avih")
	put(uint32(56))
	put(uint32(1_000_000 / fps))
	put(frameSize * uint32(fps))
	put(uint32(0))
	put(uint32(aviHasIndex))
	w.totalAt = append(w.totalAt, int64(h.Len()))
	put(uint32(0)) // total frames
	put(uint32(0))
	put(uint32(1)) // streams
	put(frameSize)
	put(uint32(w.width))
	put(uint32(w.height))
	put([4]uint32{})

	h.WriteString("LIST")
	put(uint32(4 + 8 + 56 + 8 + 40))
	h.WriteString("strl")

	h.WriteString("strh")
	put(uint32(56))
	h.WriteString("vids")
	h.WriteString("DIB ")
	put(uint32(0))
	put(uint16(0))
	put(uint16(0))
	put(uint32(0))
	put(uint32(1))   // scale
	put(uint32(fps)) // rate
	put(uint32(0))
	w.totalAt = append(w.totalAt, int64(h.Len()))
	put(uint32(0)) // length
	put(frameSize)
	put(int32(-1))
	put(frameSize)
	put([4]int16{0, 0, int16(w.width), int16(w.height)})

	h.WriteString("strf")
	put(uint32(40))
	put(uint32(40))
	put(int32(w.width))
	put(int32(w.height))
	put(uint16(1))
	put(uint16(bitsPerPixel))
	put(uint32(0)) // BI_RGB
	put(frameSize)
	put([4]uint32{})

	h.WriteString("LIST")
	w.moviSizeAt = int64(h.Len())
	put(uint32(0))
	w.moviStart = int64(h.Len())
	h.WriteString("movi")

	return w.write(h.Bytes())
}

func (w *aviWriter) write(p []byte) error {
	n, err := w.buf.Write(p)
	w.offset += int64(n)
	if err != nil {
		return fmt.Errorf("write video: %w", err)
	}
	return nil
}

// WriteFrame appends img. Pixels outside img's bounds are written black.
func (w *aviWriter) WriteFrame(img *image.RGBA) error {
	frameSize := uint32(w.stride * w.height)
	var hdr [8]byte
	copy(hdr[:4], dibChunkID)
	binary.LittleEndian.PutUint32(hdr[4:], frameSize)

	var entry [16]byte
	copy(entry[:4], dibChunkID)
	binary.LittleEndian.PutUint32(entry[4:], aviKeyFrame)
	binary.LittleEndian.PutUint32(entry[8:], uint32(w.offset-w.moviStart))
	binary.LittleEndian.PutUint32(entry[12:], frameSize)
	w.index.Write(entry[:])

	if err := w.write(hdr[:]); err != nil {
		return err
	}
	b := img.Bounds()
	for y := w.height - 1; y >= 0; y-- {
		clear(w.row)
		sy := b.Min.Y + y
		for x := 0; x < w.width; x++ {
			sx := b.Min.X + x
			if sx >= b.Max.X || sy >= b.Max.Y {
				break
			}
			p := img.PixOffset(sx, sy)
			w.row[x*3] = img.Pix[p+2]
			w.row[x*3+1] = img.Pix[p+1]
			w.row[x*3+2] = img.Pix[p]
		}
		if err := w.write(w.row); err != nil {
			return err
		}
	}
	w.frames++
	return nil
}

// Close writes the index and patches the header sizes.
func (w *aviWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.finish()
	if cerr := w.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close video: %w", cerr)
	}
	return err
}

// Abort closes the file without finalizing it.
func (w *aviWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.file.Close()
}

func (w *aviWriter) finish() error {
	moviEnd := w.offset
	var hdr [8]byte
	copy(hdr[:4], "idx1")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(w.index.Len()))
	if err := w.write(hdr[:]); err != nil {
		return err
	}
	if err := w.write(w.index.Bytes()); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush video: %w", err)
	}

	patches := []struct {
		at    int64
		value uint32
	}{
		{4, uint32(w.offset - 8)},
		{w.moviSizeAt, uint32(moviEnd - w.moviStart)},
	}
	for _, at := range w.totalAt {
		patches = append(patches, struct {
			at    int64
			value uint32
		}{at, w.frames})
	}
	var word [4]byte
	for _, p := range patches {
		binary.LittleEndian.PutUint32(word[:], p.value)
		if _, err := w.file.WriteAt(word[:], p.at); err != nil {
			return fmt.Errorf("patch video header: %w", err)
		}
	}
	return nil
}
