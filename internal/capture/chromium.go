package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/chromedp/chromedp"
)

// Defaults match the panel in landscape orientation.
const (
	DefaultWidth   = 296
	DefaultHeight  = 128
	DefaultTimeout = 30 * time.Second
)

// Options defines a headless Chromium screenshot.
type Options struct {
	URL string

	// Width and Height are the viewport in CSS pixels.
	Width  int
	Height int

	// Timeout bounds the whole capture, browser start included.
	Timeout time.Duration

	// ReadySelector, if set, is waited for before the screenshot. Pages can
	// expose e.g. [data-ready="true"] once their data has loaded.
	ReadySelector string

	// Settle is an extra delay for final paints.
	Settle time.Duration
}

func (o *Options) normalize() error {
	if o.URL == "" {
		return errors.New("capture: URL is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}

// Screenshot navigates a fresh headless Chromium to opts.URL and returns the
// viewport as PNG bytes.
func Screenshot(parent context.Context, opts Options) ([]byte, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(opts.Width, opts.Height),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, allocOpts...)
	defer cancelAlloc()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, opts.Timeout)
	defer cancelTimeout()

	var buf []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
	}
	if opts.ReadySelector != "" {
		tasks = append(tasks, chromedp.WaitVisible(opts.ReadySelector, chromedp.ByQuery))
	}
	if opts.Settle > 0 {
		tasks = append(tasks, chromedp.Sleep(opts.Settle))
	}
	tasks = append(tasks, chromedp.CaptureScreenshot(&buf))

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: %s: %w", opts.URL, err)
	}
	return buf, nil
}

// Image is Screenshot decoded into an image.
func Image(ctx context.Context, opts Options) (image.Image, error) {
	buf, err := Screenshot(ctx, opts)
	if err != nil {
		return nil, err
	}
	return Decode(buf)
}

// Decode decodes PNG screenshot bytes.
func Decode(buf []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("capture: decode png: %w", err)
	}
	return img, nil
}
