package epd

import (
	"image"
	"image/color"

	"periph.io/x/devices/v3/ssd1306/image1bit"
)

// Geometry bundles the fixed panel dimensions.
type Geometry struct {
	Width  int
	Height int
}

// Panel2in9 is the 128x296 panel driven by this package.
var Panel2in9 = Geometry{Width: 128, Height: 296}

// Stride is the number of bytes per row.
func (g Geometry) Stride() int {
	return g.Width / 8
}

// PlaneSize is the byte length of one packed bit-plane.
func (g Geometry) PlaneSize() int {
	return g.Width * g.Height / 8
}

// Bounds returns the panel rectangle anchored at the origin.
func (g Geometry) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.Width, g.Height)
}

// FrameBuffer is a packed, row-major, MSB-first 1bpp bitmap.
//
// A set bit is foreground (ink), a cleared bit is background (paper). The
// controller RAM uses the opposite polarity; the bytes are inverted when they
// are transferred, never here.
//
// FrameBuffer also implements draw.Image with the periph image1bit model,
// where image1bit.On is paper and image1bit.Off is ink, so image/draw and
// font rendering can target it directly. It is not safe for concurrent use.
type FrameBuffer struct {
	geom Geometry
	buf  []byte
}

// NewFrameBuffer allocates a buffer for g filled with background.
func NewFrameBuffer(g Geometry) *FrameBuffer {
	return &FrameBuffer{
		geom: g,
		buf:  make([]byte, g.PlaneSize()),
	}
}

func (f *FrameBuffer) Geometry() Geometry {
	return f.geom
}

// SetPixel sets (on=true) or clears one pixel. Coordinates outside the panel
// are ignored.
func (f *FrameBuffer) SetPixel(x, y int, on bool) {
	i, mask, ok := f.locate(x, y)
	if !ok {
		return
	}
	if on {
		f.buf[i] |= mask
	} else {
		f.buf[i] &^= mask
	}
}

// Pixel reports whether the pixel is foreground. Out of range reads false.
func (f *FrameBuffer) Pixel(x, y int) bool {
	i, mask, ok := f.locate(x, y)
	if !ok {
		return false
	}
	return f.buf[i]&mask != 0
}

// Bytes exposes the packed bitmap. Callers must not modify it.
func (f *FrameBuffer) Bytes() []byte {
	return f.buf
}

// Clear resets every pixel to background.
func (f *FrameBuffer) Clear() {
	f.Fill(false)
}

// Fill sets every pixel to the same value.
func (f *FrameBuffer) Fill(on bool) {
	var v byte
	if on {
		v = 0xFF
	}
	for i := range f.buf {
		f.buf[i] = v
	}
}

func (f *FrameBuffer) locate(x, y int) (int, byte, bool) {
	if x < 0 || x >= f.geom.Width || y < 0 || y >= f.geom.Height {
		return 0, 0, false
	}
	return y*f.geom.Stride() + x/8, byte(0x80 >> uint(x%8)), true
}

// ColorModel implements image.Image.
func (f *FrameBuffer) ColorModel() color.Model {
	return image1bit.BitModel
}

// Bounds implements image.Image.
func (f *FrameBuffer) Bounds() image.Rectangle {
	return f.geom.Bounds()
}

// At implements image.Image.
func (f *FrameBuffer) At(x, y int) color.Color {
	return image1bit.Bit(!f.Pixel(x, y))
}

// Set implements draw.Image. Dark colours become foreground.
func (f *FrameBuffer) Set(x, y int, c color.Color) {
	paper := image1bit.BitModel.Convert(c).(image1bit.Bit)
	f.SetPixel(x, y, !bool(paper))
}
