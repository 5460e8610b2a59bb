// Package auction computes the weekly auction window.
//
// A window opens on Monday at 01:00 and closes on Sunday at 23:00, both in
// civil time of the configured location. Every boundary is resolved from its
// own civil date, so a DST change inside the week shifts the UTC length of the
// window instead of shifting a boundary away from its wall-clock time.
package auction

import (
	"fmt"
	"strings"
	"time"
	// zone data must not depend on the host
	_ "time/tzdata"

	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
)

const (
	DefaultTimeZone = "Europe/London"

	openHour  = 1
	closeHour = 23
)

type Window struct {
	Now          time.Time `json:"now"`
	CurrentStart time.Time `json:"current_start"`
	CurrentEnd   time.Time `json:"current_end"`
	NextStart    time.Time `json:"next_start"`
	NextEnd      time.Time `json:"next_end"`
	IsLive       bool      `json:"is_live"`
	IsComing     bool      `json:"is_coming"`
	Location     string    `json:"location"`
}

// LoadLocation resolves an IANA zone name. An empty name means DefaultTimeZone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTimeZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pkgerrors.ErrInvalidTimeZone, name, err)
	}
	return loc, nil
}

// ComputeWindow returns the auction window whose week contains now.
// If now falls on Monday before opening time the previous week's window is
// returned, with IsLive and IsComing both false.
func ComputeWindow(now time.Time, loc *time.Location) (Window, error) {
	if loc == nil {
		return Window{}, fmt.Errorf("%w: nil location", pkgerrors.ErrInvalidTimeZone)
	}
	if now.IsZero() {
		return Window{}, fmt.Errorf("%w: zero time", pkgerrors.ErrInvalidTimeZone)
	}

	local := now.In(loc)
	y, m, d := local.Date()
	// Monday is day 0 of the civil week.
	sinceMonday := (int(local.Weekday()) + 6) % 7
	mondayDay := d - sinceMonday

	start := civil(y, m, mondayDay, openHour, loc)
	if now.Before(start) {
		mondayDay -= 7
		start = civil(y, m, mondayDay, openHour, loc)
	}

	w := Window{
		Now:          now,
		CurrentStart: start,
		CurrentEnd:   civil(y, m, mondayDay+6, closeHour, loc),
		NextStart:    civil(y, m, mondayDay+7, openHour, loc),
		NextEnd:      civil(y, m, mondayDay+13, closeHour, loc),
		Location:     loc.String(),
	}
	w.IsLive = !now.Before(w.CurrentStart) && !now.After(w.CurrentEnd)
	w.IsComing = now.Before(w.CurrentStart)
	return w, nil
}

// civil resolves a wall-clock hour on a (possibly denormalised) civil date.
// time.Date normalises the day overflow and applies the offset in effect at
// that wall-clock time.
func civil(y int, m time.Month, day, hour int, loc *time.Location) time.Time {
	return time.Date(y, m, day, hour, 0, 0, 0, loc)
}

// Calculator binds a location and a clock so callers don't have to pass them around.
type Calculator struct {
	loc *time.Location
	now func() time.Time
}

func NewCalculator(loc *time.Location, now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{loc: loc, now: now}
}

func (c *Calculator) Current() (Window, error) {
	return ComputeWindow(c.now(), c.loc)
}

func (c *Calculator) At(t time.Time) (Window, error) {
	return ComputeWindow(t, c.loc)
}

func (c *Calculator) Now() time.Time {
	return c.now()
}

func (c *Calculator) Location() *time.Location {
	return c.loc
}
