package panel

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"epdpanel/internal/battery"
	"epdpanel/internal/capture"
	"epdpanel/internal/convert"
	"epdpanel/internal/epd"
	"epdpanel/internal/ics"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/model"
	"epdpanel/internal/render"
)

// Source produces the next frame.
type Source interface {
	Name() string
	Render(ctx context.Context, fb *epd.FrameBuffer) error
}

// Agenda renders upcoming calendar occurrences from ICS feeds.
type Agenda struct {
	Fetcher  *ics.Fetcher
	Sources  []ics.Source
	Location *time.Location
	Days     int
	// Battery is optional.
	Battery battery.Reader
	// Now defaults to time.Now.
	Now func() time.Time
}

func (a *Agenda) Name() string { return "agenda" }

// Render implements Source. Feeds that fail are skipped; the agenda is drawn
// from whatever could be loaded.
func (a *Agenda) Render(ctx context.Context, fb *epd.FrameBuffer) error {
	loc := a.Location
	if loc == nil {
		loc = time.Local
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	t := now().In(loc)
	days := a.Days
	if days <= 0 {
		days = 1
	}

	occ, err := a.occurrences(ctx, t, days, loc)
	if err != nil {
		return err
	}

	data := render.AgendaData{Now: t, Days: days, Occurrences: occ}
	if a.Battery != nil {
		if st, err := a.Battery.Read(ctx); err != nil {
			appLog.Warn("battery read failed", "err", err)
		} else {
			data.Battery = &st
		}
	}
	render.Agenda(fb, data)
	return nil
}

func (a *Agenda) occurrences(ctx context.Context, now time.Time, days int, loc *time.Location) ([]model.Occurrence, error) {
	if a.Fetcher == nil || len(a.Sources) == 0 {
		return nil, nil
	}
	results, errs := a.Fetcher.FetchAll(ctx, a.Sources)
	if len(results) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("panel: all calendar feeds failed: %w", errors.Join(errs...))
	}

	var events []ics.Event
	for _, res := range results {
		evs, err := ics.Parse(res.Source, res.Body)
		if err != nil {
			appLog.Error("ics parse failed", err, "id", res.Source.ID)
			continue
		}
		events = append(events, evs...)
	}

	y, m, d := now.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return ics.Expand(events, ics.Window{
		From:     from,
		To:       from.AddDate(0, 0, days),
		Location: loc,
	})
}

// Page renders a web page captured by headless Chromium.
type Page struct {
	Capture capture.Options
	Convert convert.Options
	// Shoot defaults to capture.Image.
	Shoot func(ctx context.Context, opts capture.Options) (image.Image, error)
}

func (p *Page) Name() string { return "url" }

// Render implements Source.
func (p *Page) Render(ctx context.Context, fb *epd.FrameBuffer) error {
	shoot := p.Shoot
	if shoot == nil {
		shoot = capture.Image
	}
	img, err := shoot(ctx, p.Capture)
	if err != nil {
		return err
	}
	return convert.ToFrame(img, fb, p.Convert)
}
