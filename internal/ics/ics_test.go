package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//epdpanel//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup@example.com\r\n" +
	"SUMMARY:Standup\r\n" +
	"DTSTART:20260105T090000Z\r\n" +
	"DTEND:20260105T091500Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=5\r\n" +
	"EXDATE:20260107T090000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup@example.com\r\n" +
	"RECURRENCE-ID:20260108T090000Z\r\n" +
	"SUMMARY:Standup (moved)\r\n" +
	"DTSTART:20260108T100000Z\r\n" +
	"DTEND:20260108T101500Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:holiday@example.com\r\n" +
	"SUMMARY:Holiday\r\n" +
	"DTSTART;VALUE=DATE:20260106\r\n" +
	"DTEND;VALUE=DATE:20260107\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"SUMMARY:No UID\r\n" +
	"DTSTART:20260106T120000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParse(t *testing.T) {
	events, err := Parse(Source{ID: "work"}, []byte(sampleICS))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (one without UID skipped)", len(events))
	}

	base := events[0]
	if base.RRule == "" || len(base.ExDates) != 1 || base.SourceID != "work" {
		t.Errorf("base = %+v", base)
	}
	if base.End.Sub(base.Start) != 15*time.Minute {
		t.Errorf("duration = %v", base.End.Sub(base.Start))
	}
	if events[1].RecurrenceID == nil {
		t.Error("override has no RECURRENCE-ID")
	}
	holiday := events[2]
	if !holiday.AllDay || !holiday.Start.Equal(time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("holiday = %+v", holiday)
	}

	if _, err := Parse(Source{}, nil); err == nil {
		t.Error("empty body accepted")
	}
}

func TestExpand(t *testing.T) {
	events, err := Parse(Source{ID: "work"}, []byte(sampleICS))
	if err != nil {
		t.Fatal(err)
	}
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	occ, err := Expand(events, Window{
		From:     time.Date(2026, 1, 5, 0, 0, 0, 0, berlin),
		To:       time.Date(2026, 1, 12, 0, 0, 0, 0, berlin),
		Location: berlin,
	})
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, o := range occ {
		got = append(got, o.Start.Format("01-02 15:04")+" "+o.Summary)
	}
	want := []string{
		"01-05 10:00 Standup",
		"01-06 00:00 Holiday",
		"01-06 10:00 Standup",
		"01-08 11:00 Standup (moved)",
		"01-09 10:00 Standup",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("occurrences:\n got  %q\n want %q", got, want)
	}
	for _, o := range occ {
		if o.Start.Location() != berlin {
			t.Errorf("%s not in display zone", o.Summary)
		}
		if o.Summary == "Holiday" && (!o.AllDay || o.End.Sub(o.Start) != 24*time.Hour) {
			t.Errorf("holiday = %+v", o)
		}
	}
}

func TestExpandWindow(t *testing.T) {
	events, err := Parse(Source{ID: "work"}, []byte(sampleICS))
	if err != nil {
		t.Fatal(err)
	}

	occ, err := Expand(events, Window{
		From:     time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		Location: time.UTC,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(occ) != 1 || occ[0].Start.Day() != 9 {
		t.Errorf("occurrences = %+v, want only the 9th", occ)
	}

	if _, err := Expand(events, Window{From: time.Now(), To: time.Now().Add(-time.Hour)}); err == nil {
		t.Error("inverted window accepted")
	}
}

func TestFetcherConditional(t *testing.T) {
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	src := Source{ID: "work", URL: srv.URL + "/cal.ics?token=secret"}

	first, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache || string(first.Body) != sampleICS {
		t.Errorf("first fetch = cache:%v, %d bytes", first.FromCache, len(first.Body))
	}

	second, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache || string(second.Body) != sampleICS {
		t.Errorf("second fetch = cache:%v, %d bytes", second.FromCache, len(second.Body))
	}
	if hits.Load() != 2 || notModified.Load() != 1 {
		t.Errorf("hits=%d notModified=%d", hits.Load(), notModified.Load())
	}
}

func TestFetcherFallback(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	good := Source{ID: "a", URL: srv.URL + "/a.ics"}
	fresh := Source{ID: "b", URL: srv.URL + "/b.ics"}

	if _, err := f.FetchOne(context.Background(), good); err != nil {
		t.Fatal(err)
	}
	fail.Store(true)

	results, errs := f.FetchAll(context.Background(), []Source{good, fresh, {ID: "c"}})
	if len(results) != 1 || !results[0].FromCache || results[0].Source.ID != "a" {
		t.Errorf("results = %+v", results)
	}
	if len(errs) != 2 {
		t.Errorf("errs = %v, want 2", errs)
	}
}

func TestFetcherOversizedBody(t *testing.T) {
	var huge atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if huge.Load() {
			w.Write([]byte(sampleICS))
			w.Write([]byte(strings.Repeat("X", maxBody)))
			return
		}
		w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	cached := Source{ID: "a", URL: srv.URL + "/a.ics"}
	uncached := Source{ID: "b", URL: srv.URL + "/b.ics"}

	if _, err := f.FetchOne(context.Background(), cached); err != nil {
		t.Fatal(err)
	}
	huge.Store(true)

	res, err := f.FetchOne(context.Background(), cached)
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache || string(res.Body) != sampleICS {
		t.Errorf("oversized feed not replaced by cached body: FromCache=%v len=%d", res.FromCache, len(res.Body))
	}

	if _, err := f.FetchOne(context.Background(), uncached); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("FetchOne() = %v, want size error", err)
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"https://cal.example.com/private/abc.ics?token=x": "https://cal.example.com/...(redacted)",
		"not a url": "ics://...(redacted)",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
