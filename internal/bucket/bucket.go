// Package bucket maps observation timestamps onto fixed-width daily blocks.
//
// Two block-numbering conventions are supported. AlignedAt00 uses half-open
// windows [kW, (k+1)W) so a timestamp on a boundary opens the next block.
// AlignedAt01 uses windows (kW, (k+1)W], labels block 1 "00:01", and folds
// 00:00 into block 1. Both operate on whole minutes; seconds are ignored.
package bucket

import (
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"gridingest/internal/record"
)

const minutesPerDay = 24 * 60

// Convention selects the block-numbering rule.
type Convention string

const (
	AlignedAt00 Convention = "aligned_at_00"
	AlignedAt01 Convention = "aligned_at_01"
)

// ParseConvention accepts the configuration spelling; empty means AlignedAt00.
func ParseConvention(s string) (Convention, error) {
	switch Convention(s) {
	case "", AlignedAt00:
		return AlignedAt00, nil
	case AlignedAt01:
		return AlignedAt01, nil
	}
	return "", fmt.Errorf("unknown bucket convention %q", s)
}

var ErrZeroTime = errors.New("bucket: zero timestamp")

// Assigner is immutable after construction and safe for concurrent use.
type Assigner struct {
	window     int // minutes; 0 selects exact-time keys
	convention Convention
	loc        *time.Location
}

// New builds an Assigner. A zero window yields exact-time keys.
func New(window time.Duration, convention Convention, loc *time.Location) (*Assigner, error) {
	if loc == nil {
		loc = time.UTC
	}
	if _, err := ParseConvention(string(convention)); err != nil {
		return nil, err
	}
	if convention == "" {
		convention = AlignedAt00
	}
	if window < 0 || window%time.Minute != 0 {
		return nil, fmt.Errorf("bucket window %s must be a non-negative whole number of minutes", window)
	}
	w := int(window / time.Minute)
	if w > 0 && minutesPerDay%w != 0 {
		return nil, fmt.Errorf("bucket window %dm does not divide a day", w)
	}
	return &Assigner{window: w, convention: convention, loc: loc}, nil
}

func (a *Assigner) Exact() bool            { return a.window == 0 }
func (a *Assigner) Window() time.Duration  { return time.Duration(a.window) * time.Minute }
func (a *Assigner) Convention() Convention { return a.convention }
func (a *Assigner) Location() *time.Location {
	return a.loc
}

// BlocksPerDay is 1440/W, or 0 in exact mode.
func (a *Assigner) BlocksPerDay() int {
	if a.window == 0 {
		return 0
	}
	return minutesPerDay / a.window
}

// Assign returns the key for t in the assigner's time zone.
func (a *Assigner) Assign(t time.Time) (record.Key, error) {
	if t.IsZero() {
		return record.Key{}, ErrZeroTime
	}
	lt := t.In(a.loc)
	date := civil.DateOf(lt)
	if a.window == 0 {
		return record.Key{
			Date: date,
			Slot: civil.Time{Hour: lt.Hour(), Minute: lt.Minute(), Second: lt.Second()},
		}, nil
	}
	m := lt.Hour()*60 + lt.Minute()
	var block int
	switch a.convention {
	case AlignedAt01:
		block = (m + a.window - 1) / a.window
		if block < 1 {
			block = 1
		}
	default:
		block = m/a.window + 1
	}
	return record.Key{Date: date, BlockNo: block, Slot: a.BlockStart(block)}, nil
}

// BlockStart is the wall-clock label of block n. Hours wrap modulo 24; the
// label never carries into the next date.
func (a *Assigner) BlockStart(n int) civil.Time {
	off := (n - 1) * a.window
	if a.convention == AlignedAt01 {
		off++
	}
	return civil.Time{Hour: (off / 60) % 24, Minute: off % 60}
}

// Label renders BlockStart(n) as HH:MM.
func (a *Assigner) Label(n int) string {
	s := a.BlockStart(n)
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}
