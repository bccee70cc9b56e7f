// Package panel ties a content Source to the e-paper driver. The Runner is
// the only thing that touches the driver after start-up, and it serializes
// every refresh so scheduled and manual updates never overlap.
package panel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"sync"
	"time"

	"epdpanel/internal/convert"
	"epdpanel/internal/epd"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/render"
)

// Display is the part of *epd.Driver the Runner needs.
type Display interface {
	FrameBuffer() *epd.FrameBuffer
	Update() error
	Diagnostics() epd.Diagnostics
}

// Status is a snapshot for the status API.
type Status struct {
	Source       string           `json:"source"`
	RenderOnly   bool             `json:"render_only"`
	Refreshes    int              `json:"refreshes"`
	LastRefresh  time.Time        `json:"last_refresh"`
	LastDuration string           `json:"last_duration"`
	LastError    string           `json:"last_error,omitempty"`
	Heartbeat    time.Time        `json:"heartbeat"`
	Panel        *epd.Diagnostics `json:"panel,omitempty"`
}

// Runner owns the refresh cycle.
type Runner struct {
	mu   sync.Mutex
	disp Display
	src  Source
	fb   *epd.FrameBuffer

	// stateMu guards the fields below. Status must not wait for a refresh.
	stateMu      sync.Mutex
	refreshes    int
	lastRefresh  time.Time
	lastDuration time.Duration
	lastErr      error
	heartbeat    time.Time
	preview      []byte
	diag         *epd.Diagnostics
}

// NewRunner returns a Runner drawing src onto disp. With a nil disp the
// Runner works in render-only mode: frames go to an in-memory buffer and the
// preview only.
func NewRunner(disp Display, src Source) *Runner {
	r := &Runner{disp: disp, src: src}
	if disp == nil {
		r.fb = epd.NewFrameBuffer(epd.Panel2in9)
	} else {
		d := disp.Diagnostics()
		r.diag = &d
	}
	return r
}

// Refresh renders the source and pushes it to the panel. A source failure
// is drawn on the panel as a message and still returned.
func (r *Runner) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	err := r.refresh(ctx)
	elapsed := time.Since(start)

	r.stateMu.Lock()
	r.refreshes++
	r.lastRefresh = start
	r.lastDuration = elapsed
	r.lastErr = err
	if r.disp != nil {
		d := r.disp.Diagnostics()
		r.diag = &d
	}
	r.stateMu.Unlock()

	if err != nil {
		appLog.Error("refresh failed", err, "source", r.src.Name(), "elapsed", elapsed)
		return err
	}
	appLog.Info("refresh done", "source", r.src.Name(), "elapsed", elapsed)
	return nil
}

func (r *Runner) refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fb := r.frameBuffer()
	if fb == nil {
		return errors.New("panel: driver has no frame buffer (Setup not called)")
	}

	srcErr := r.src.Render(ctx, fb)
	if srcErr != nil {
		render.Message(fb, r.src.Name()+" failed", srcErr.Error())
		srcErr = fmt.Errorf("panel: render %s: %w", r.src.Name(), srcErr)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, convert.FrameToImage(fb)); err != nil {
		appLog.Warn("preview encode failed", "err", err)
	} else {
		r.stateMu.Lock()
		r.preview = buf.Bytes()
		r.stateMu.Unlock()
	}

	if r.disp != nil {
		if err := r.disp.Update(); err != nil {
			return fmt.Errorf("panel: update: %w", err)
		}
	}
	return srcErr
}

func (r *Runner) frameBuffer() *epd.FrameBuffer {
	if r.disp != nil {
		return r.disp.FrameBuffer()
	}
	return r.fb
}

// Halt puts the panel into deep sleep once any refresh in progress is done.
// The next Refresh wakes it again.
func (r *Runner) Halt() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.disp.(interface{ Halt() error })
	if !ok {
		return nil
	}
	return h.Halt()
}

// Heartbeat records liveness. It is handed to the driver as its keep-alive
// hook, which runs while the panel is busy refreshing.
func (r *Runner) Heartbeat() {
	r.stateMu.Lock()
	r.heartbeat = time.Now()
	r.stateMu.Unlock()
}

// Preview returns the last rendered frame as PNG, or nil before the first
// refresh.
func (r *Runner) Preview() []byte {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.preview
}

// Status returns a snapshot.
func (r *Runner) Status() Status {
	r.stateMu.Lock()
	st := Status{
		Source:       r.src.Name(),
		RenderOnly:   r.disp == nil,
		Refreshes:    r.refreshes,
		LastRefresh:  r.lastRefresh,
		LastDuration: r.lastDuration.String(),
		Heartbeat:    r.heartbeat,
		Panel:        r.diag,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	r.stateMu.Unlock()
	return st
}
