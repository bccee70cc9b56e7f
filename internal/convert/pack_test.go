package convert

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"epdpanel/internal/epd"
)

func count(fb *epd.FrameBuffer) int {
	n := 0
	b := fb.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if fb.Pixel(x, y) {
				n++
			}
		}
	}
	return n
}

func TestToFrameSolid(t *testing.T) {
	tests := []struct {
		name   string
		c      color.Color
		dither string
		want   int
	}{
		{"white fs", color.White, DitherFloydSteinberg, 0},
		{"black fs", color.Black, DitherFloydSteinberg, 128 * 296},
		{"white threshold", color.White, DitherThreshold, 0},
		{"black threshold", color.Black, DitherThreshold, 128 * 296},
		{"transparent", color.Transparent, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := image.NewNRGBA(image.Rect(0, 0, 128, 296))
			draw.Draw(img, img.Bounds(), image.NewUniform(tt.c), image.Point{}, draw.Src)
			fb := epd.NewFrameBuffer(epd.Panel2in9)
			fb.Fill(true)

			if err := ToFrame(img, fb, Options{Dither: tt.dither}); err != nil {
				t.Fatal(err)
			}
			if got := count(fb); got != tt.want {
				t.Errorf("foreground pixels = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestToFrameRotateAndFit(t *testing.T) {
	// Landscape 296x128: left half black, right half white.
	img := image.NewGray(image.Rect(0, 0, 296, 128))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, 0, 148, 128), image.Black, image.Point{}, draw.Src)

	fb := epd.NewFrameBuffer(epd.Panel2in9)
	if err := ToFrame(img, fb, Options{Rotate: 90, Dither: DitherThreshold}); err != nil {
		t.Fatal(err)
	}
	// Rotated clockwise, the left half ends up on top.
	if !fb.Pixel(64, 10) {
		t.Error("top of rotated image is not ink")
	}
	if fb.Pixel(64, 285) {
		t.Error("bottom of rotated image is not paper")
	}
}

func TestToFrameLetterbox(t *testing.T) {
	// A small black square is scaled to the panel width and centered.
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)

	fb := epd.NewFrameBuffer(epd.Panel2in9)
	if err := ToFrame(img, fb, Options{Dither: DitherThreshold}); err != nil {
		t.Fatal(err)
	}
	if fb.Pixel(64, 5) || fb.Pixel(64, 290) {
		t.Error("letterbox bands should be paper")
	}
	if !fb.Pixel(64, 148) {
		t.Error("center should be ink")
	}
}

func TestToFrameErrors(t *testing.T) {
	fb := epd.NewFrameBuffer(epd.Panel2in9)
	img := image.NewGray(image.Rect(0, 0, 10, 10))

	if err := ToFrame(nil, fb, Options{}); err == nil {
		t.Error("nil image accepted")
	}
	if err := ToFrame(img, nil, Options{}); err == nil {
		t.Error("nil frame buffer accepted")
	}
	if err := ToFrame(img, fb, Options{Rotate: 45}); err == nil {
		t.Error("rotation 45 accepted")
	}
	if err := ToFrame(img, fb, Options{Dither: "atkinson"}); err == nil {
		t.Error("unknown dither accepted")
	}
}

func TestFrameToImage(t *testing.T) {
	fb := epd.NewFrameBuffer(epd.Panel2in9)
	fb.SetPixel(3, 4, true)

	img := FrameToImage(fb)
	if img.Bounds() != image.Rect(0, 0, 128, 296) {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	if img.GrayAt(3, 4).Y != 0 || img.GrayAt(4, 4).Y != 0xFF {
		t.Errorf("pixels = %v %v", img.GrayAt(3, 4), img.GrayAt(4, 4))
	}
}
