// Package render draws the built-in agenda screen straight into an epd
// frame buffer using the x/image fixed-size fonts.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"epdpanel/internal/battery"
	"epdpanel/internal/model"
)

var face = basicfont.Face7x13

const (
	margin     = 2
	lineHeight = 14
	headerH    = 18
	footerH    = 14
)

// AgendaData is everything shown on the agenda screen.
type AgendaData struct {
	Now         time.Time
	Days        int
	Occurrences []model.Occurrence
	// Battery is nil when no gauge is configured.
	Battery *battery.Status
}

type lineKind int

const (
	lineDay lineKind = iota
	lineEvent
	lineNote
)

type line struct {
	kind lineKind
	text string
}

// Agenda clears dst and draws the agenda. dst is normally an
// *epd.FrameBuffer; black is ink.
func Agenda(dst draw.Image, d AgendaData) {
	b := dst.Bounds()
	draw.Draw(dst, b, image.White, image.Point{}, draw.Src)

	cols := (b.Dx() - 2*margin) / face.Advance

	// Header: inverted band with date and battery.
	header := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+headerH)
	draw.Draw(dst, header, image.Black, image.Point{}, draw.Src)
	left := d.Now.Format("Mon 02 Jan")
	right := ""
	if d.Battery != nil {
		right = fmt.Sprintf("%d%%", d.Battery.Percent)
	}
	text(dst, image.White, b.Min.X+margin, b.Min.Y+headerH-5, left)
	if right != "" {
		text(dst, image.White, b.Max.X-margin-len(right)*face.Advance, b.Min.Y+headerH-5, right)
	}

	top := b.Min.Y + headerH + 2
	bottom := b.Max.Y - footerH
	maxLines := (bottom - top) / lineHeight

	y := top
	for _, l := range layout(d, cols, maxLines) {
		y += lineHeight
		x := b.Min.X + margin
		if l.kind == lineEvent {
			x += face.Advance
		}
		text(dst, image.Black, x, y-3, l.text)
		if l.kind == lineDay {
			rule := image.Rect(b.Min.X+margin, y-1, b.Max.X-margin, y)
			draw.Draw(dst, rule, image.Black, image.Point{}, draw.Src)
		}
	}

	footer := "upd " + d.Now.Format("15:04")
	text(dst, image.Black, b.Max.X-margin-len(footer)*face.Advance, b.Max.Y-3, footer)
}

// layout lists the text lines of the agenda body, at most maxLines long.
// Event lines are cols-1 wide because they are indented by one cell.
func layout(d AgendaData, cols, maxLines int) []line {
	if maxLines <= 0 {
		return nil
	}
	days := d.Days
	if days <= 0 {
		days = 1
	}
	loc := d.Now.Location()
	y, m, dd := d.Now.Date()
	today := time.Date(y, m, dd, 0, 0, 0, 0, loc)

	var out []line
	total := 0
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, i)
		next := today.AddDate(0, 0, i+1)
		var evs []model.Occurrence
		for _, o := range d.Occurrences {
			if onDay(o, day, next) {
				evs = append(evs, o)
			}
		}
		if len(evs) == 0 && i > 0 {
			continue
		}
		out = append(out, line{kind: lineDay, text: dayLabel(day, today)})
		if len(evs) == 0 {
			out = append(out, line{kind: lineNote, text: "No events"})
		}
		for _, o := range evs {
			out = append(out, line{kind: lineEvent, text: truncate(eventLabel(o, day), cols-1)})
			total++
		}
	}

	if len(out) <= maxLines {
		return out
	}
	shown := 0
	for _, l := range out[:maxLines-1] {
		if l.kind == lineEvent {
			shown++
		}
	}
	out = out[:maxLines-1]
	return append(out, line{kind: lineNote, text: fmt.Sprintf("+%d more", total-shown)})
}

func onDay(o model.Occurrence, day, next time.Time) bool {
	if !o.Start.Before(next) {
		return false
	}
	return o.End.After(day) || !o.Start.Before(day)
}

func dayLabel(day, today time.Time) string {
	switch {
	case day.Equal(today):
		return "Today " + day.Format("Mon 02")
	case day.Equal(today.AddDate(0, 0, 1)):
		return "Tomorrow " + day.Format("Mon 02")
	default:
		return day.Format("Monday 02 Jan")
	}
}

func eventLabel(o model.Occurrence, day time.Time) string {
	if o.AllDay || o.Start.Before(day) {
		return "* " + o.Summary
	}
	return o.Start.Format("15:04") + " " + o.Summary
}

// truncate shortens s to n runes, marking the cut with '~'.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 {
		return ""
	}
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "~"
}

func text(dst draw.Image, src image.Image, x, y int, s string) {
	d := font.Drawer{
		Dst:  dst,
		Src:  src,
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// Message draws a short centered notice, used when content fails to load.
func Message(dst draw.Image, title, detail string) {
	b := dst.Bounds()
	draw.Draw(dst, b, image.White, image.Point{}, draw.Src)
	cols := (b.Dx() - 2*margin) / face.Advance
	y := b.Min.Y + b.Dy()/2
	for _, s := range []string{title, detail} {
		s = truncate(s, cols)
		x := b.Min.X + (b.Dx()-len([]rune(s))*face.Advance)/2
		text(dst, image.NewUniform(color.Black), x, y, s)
		y += lineHeight
	}
}
