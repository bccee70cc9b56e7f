package convert

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/MaxHalford/halfgone"
	"github.com/disintegration/imaging"

	"epdpanel/internal/epd"
)

// Dither modes.
const (
	DitherFloydSteinberg = "floyd-steinberg"
	DitherThreshold      = "threshold"
)

// Options controls how an arbitrary image is mapped onto the panel.
type Options struct {
	// Rotate is the clockwise rotation in degrees (0, 90, 180, 270) applied
	// before fitting. Landscape content on the portrait 128x296 panel
	// usually wants 90.
	Rotate int
	// Dither is DitherFloydSteinberg (default) or DitherThreshold.
	Dither string
	// Threshold is the cut-off for DitherThreshold; 0 means 128.
	Threshold uint8
}

// ToFrame writes img into fb.
//
// Pipeline:
//
//   - rotate by opts.Rotate (imaging)
//   - fit inside the panel keeping aspect ratio (Lanczos), centered on white
//   - convert to gray
//   - dither to pure black/white (halfgone)
//   - dark pixels become foreground (ink), everything else background
//
// Transparent pixels count as white. fb is fully overwritten.
func ToFrame(img image.Image, fb *epd.FrameBuffer, opts Options) error {
	if img == nil {
		return errors.New("convert: nil image")
	}
	if fb == nil {
		return errors.New("convert: nil frame buffer")
	}

	src, err := rotate(img, opts.Rotate)
	if err != nil {
		return err
	}

	bounds := fb.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, image.White, image.Point{}, draw.Src)

	sb := src.Bounds()
	if sb.Dx() != bounds.Dx() || sb.Dy() != bounds.Dy() {
		src = imaging.Fit(src, bounds.Dx(), bounds.Dy(), imaging.Lanczos)
		sb = src.Bounds()
	}
	// Center the content; Fit may leave bands on one axis.
	off := image.Pt((bounds.Dx()-sb.Dx())/2, (bounds.Dy()-sb.Dy())/2)
	dst := image.Rectangle{Min: off, Max: off.Add(sb.Size())}
	draw.Draw(gray, dst, flatten(src), sb.Min, draw.Over)

	var dithered *image.Gray
	switch opts.Dither {
	case "", DitherFloydSteinberg:
		dithered = halfgone.FloydSteinbergDitherer{}.Apply(gray)
	case DitherThreshold:
		th := opts.Threshold
		if th == 0 {
			th = 128
		}
		dithered = halfgone.ThresholdDitherer{Threshold: th}.Apply(gray)
	default:
		return fmt.Errorf("convert: unknown dither mode %q", opts.Dither)
	}

	pack(dithered, fb)
	return nil
}

// pack maps a black/white gray image onto fb: dark pixels are foreground.
func pack(g *image.Gray, fb *epd.FrameBuffer) {
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[(y-b.Min.Y)*g.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			fb.SetPixel(x, y, row[x-b.Min.X] < 128)
		}
	}
}

// flatten composites img over white so transparent areas stay paper-colored.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	draw.Draw(out, b, image.White, image.Point{}, draw.Src)
	draw.Draw(out, b, img, b.Min, draw.Over)
	return out
}

func rotate(img image.Image, deg int) (image.Image, error) {
	switch deg {
	case 0:
		return img, nil
	case 90:
		// imaging rotates counter-clockwise.
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	default:
		return nil, fmt.Errorf("convert: unsupported rotation %d", deg)
	}
}

// FrameToImage renders fb as a black-on-white gray image, e.g. for a PNG
// preview of what the panel shows.
func FrameToImage(fb *epd.FrameBuffer) *image.Gray {
	b := fb.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.Gray{Y: 0xFF}
			if fb.Pixel(x, y) {
				c.Y = 0
			}
			out.SetGray(x, y, c)
		}
	}
	return out
}
