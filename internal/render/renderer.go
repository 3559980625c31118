// Package render rasterizes a face region and mouth shape into video frames.
//
// The renderer is total: every call returns a usable frame. Invalid input or
// a failure while drawing yields the default frame with Fallback set, so the
// frame loop driving it always moves forward.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/loqalabs/loqa-lipsync/internal/shape"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	backgroundColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	faceColor       = color.RGBA{R: 200, G: 200, B: 200, A: 255}
	mouthColor      = color.RGBA{A: 255}
)

// FaceRegion is the face rectangle in frame coordinates.
type FaceRegion struct {
	X, Y, Width, Height int
}

func (f FaceRegion) Valid() bool { return f.Width > 0 && f.Height > 0 }

func (f FaceRegion) Rect() image.Rectangle {
	return image.Rect(f.X, f.Y, f.X+f.Width, f.Y+f.Height)
}

func (f FaceRegion) Center() image.Point {
	return image.Pt(f.X+f.Width/2, f.Y+f.Height/2)
}

// Frame is one rendered video frame. The image is owned by whoever holds the
// frame and is never shared between frames.
type Frame struct {
	Index    int
	TimeSec  float64
	Shape    shape.MouthShape
	Fallback bool
	Image    *image.RGBA
}

// Renderer draws frames of a fixed size. It holds no mutable state and is
// safe for concurrent use.
type Renderer struct {
	width  int
	height int
	label  font.Face
}

func NewRenderer(width, height int) *Renderer {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Renderer{width: width, height: height, label: basicfont.Face7x13}
}

func (r *Renderer) Size() (int, int) { return r.width, r.height }

// Render draws the mouth described by m onto the face region.
func (r *Renderer) Render(face FaceRegion, m shape.MouthShape, index int) (frame Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			frame = r.fallback(face, index)
		}
	}()
	if !face.Valid() || !m.Valid() {
		return r.fallback(face, index)
	}

	img := r.canvas()
	fillRect(img, face.Rect(), faceColor)

	center := face.Center()
	lipW := int(float64(face.Width) * m.Width)
	lipH := int(float64(face.Height) * m.Height)
	if m.Open() {
		origin := image.Pt(center.X-lipW/2, center.Y-lipH/2)
		fillRect(img, image.Rectangle{Min: origin, Max: origin.Add(image.Pt(lipW, lipH))}, mouthColor)
	} else {
		fillEllipse(img, center, lipW/2, lipH/4, mouthColor)
	}
	r.drawLabel(img, fmt.Sprintf("Frame %d", index))

	return Frame{Index: index, Shape: m, Image: img}
}

// RenderDefault draws the neutral face with a small closed mouth.
func (r *Renderer) RenderDefault(face FaceRegion) Frame {
	img := r.canvas()
	if face.Valid() {
		fillRect(img, face.Rect(), faceColor)
		fillEllipse(img, face.Center(), 30, 15, mouthColor)
	}
	return Frame{Image: img, Fallback: true}
}

func (r *Renderer) fallback(face FaceRegion, index int) Frame {
	f := r.RenderDefault(face)
	f.Index = index
	return f
}

func (r *Renderer) canvas() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)
	return img
}

func (r *Renderer) drawLabel(img *image.RGBA, text string) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: r.label,
		Dot:  fixed.P(10, 30),
	}
	d.DrawString(text)
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Canon().Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	draw.Draw(img, rect, image.NewUniform(c), image.Point{}, draw.Src)
}

// kappa places cubic control points for a quarter ellipse.
const kappa = 0.5522847498

func fillEllipse(img *image.RGBA, center image.Point, rx, ry int, c color.RGBA) {
	if rx <= 0 || ry <= 0 {
		return
	}
	b := img.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	z.DrawOp = draw.Over

	cx := float32(center.X-b.Min.X) + 0.5
	cy := float32(center.Y-b.Min.Y) + 0.5
	ax, ay := float32(rx), float32(ry)
	kx, ky := kappa*ax, kappa*ay

	z.MoveTo(cx+ax, cy)
	z.CubeTo(cx+ax, cy+ky, cx+kx, cy+ay, cx, cy+ay)
	z.CubeTo(cx-kx, cy+ay, cx-ax, cy+ky, cx-ax, cy)
	z.CubeTo(cx-ax, cy-ky, cx-kx, cy-ay, cx, cy-ay)
	z.CubeTo(cx+kx, cy-ay, cx+ax, cy-ky, cx+ax, cy)
	z.ClosePath()
	z.Draw(img, b, image.NewUniform(c), image.Point{})
}
