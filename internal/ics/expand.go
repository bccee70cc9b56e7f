package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "epdpanel/internal/log"
	"epdpanel/internal/model"
)

const defaultMaxPerEvent = 500

// Window is the half-open range [From, To) occurrences must overlap.
type Window struct {
	From time.Time
	To   time.Time
	// Location is the display zone; nil means time.Local.
	Location *time.Location
	// MaxPerEvent caps instances of one recurring event; 0 means 500.
	MaxPerEvent int
}

// Expand turns events into occurrences overlapping w, sorted by start time.
// RRULE, EXDATE and RECURRENCE-ID overrides are honored.
func Expand(events []Event, w Window) ([]model.Occurrence, error) {
	if !w.To.After(w.From) {
		return nil, errors.New("ics: empty expansion window")
	}
	if w.Location == nil {
		w.Location = time.Local
	}
	if w.MaxPerEvent <= 0 {
		w.MaxPerEvent = defaultMaxPerEvent
	}

	overrides := make(map[string][]Event)
	var bases []Event
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	var out []model.Occurrence
	for _, ev := range bases {
		occ, err := expandEvent(ev, overrides[ev.UID], w)
		if err != nil {
			appLog.Warn("ics: skipping event", "uid", ev.UID, "err", err)
			continue
		}
		out = append(out, occ...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		if out[i].AllDay != out[j].AllDay {
			return out[i].AllDay
		}
		return out[i].Summary < out[j].Summary
	})
	return out, nil
}

func expandEvent(ev Event, overrides []Event, w Window) ([]model.Occurrence, error) {
	dur := ev.End.Sub(ev.Start)
	starts := []time.Time{ev.Start}

	if ev.RRule != "" {
		opt, err := rrule.StrToROption(ev.RRule)
		if err != nil {
			return nil, fmt.Errorf("rrule %q: %w", ev.RRule, err)
		}
		opt.Dtstart = ev.Start
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("rrule %q: %w", ev.RRule, err)
		}
		var set rrule.Set
		set.RRule(r)
		for _, ex := range ev.ExDates {
			set.ExDate(ex)
		}
		from, to := searchRange(ev, w)
		starts = set.Between(from.Add(-dur), to, true)
		if len(starts) > w.MaxPerEvent {
			appLog.Warn("ics: recurrence truncated", "uid", ev.UID, "cap", w.MaxPerEvent)
			starts = starts[:w.MaxPerEvent]
		}
	}

	var out []model.Occurrence
	for _, s := range starts {
		inst, ok := findOverride(overrides, s)
		if !ok {
			inst = ev
			inst.Start = s
			inst.End = s.Add(dur)
		}
		occ := occurrence(inst, w.Location)
		if overlaps(occ, w) {
			out = append(out, occ)
		}
	}
	return out, nil
}

// searchRange maps the window into the event's own time base. All-day
// events use floating UTC dates.
func searchRange(ev Event, w Window) (time.Time, time.Time) {
	if !ev.AllDay {
		return w.From, w.To
	}
	return floating(w.From.In(w.Location)), floating(w.To.In(w.Location)).AddDate(0, 0, 1)
}

func floating(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// overlaps treats zero-length occurrences as instants.
func overlaps(o model.Occurrence, w Window) bool {
	if !o.Start.Before(w.To) {
		return false
	}
	return o.End.After(w.From) || !o.Start.Before(w.From)
}

func findOverride(overrides []Event, start time.Time) (Event, bool) {
	for _, o := range overrides {
		if o.RecurrenceID.Equal(start) {
			return o, true
		}
	}
	return Event{}, false
}

func occurrence(ev Event, loc *time.Location) model.Occurrence {
	start, end := ev.Start.In(loc), ev.End.In(loc)
	if ev.AllDay {
		start = anchor(ev.Start, loc)
		end = anchor(ev.End, loc)
	}
	return model.Occurrence{
		SourceID:    ev.SourceID,
		UID:         ev.UID,
		InstanceKey: ev.UID + "@" + start.Format(time.RFC3339),
		Summary:     ev.Summary,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

// anchor places a floating date at local midnight.
func anchor(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
