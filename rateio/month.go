package rateio

import (
	"fmt"
	"time"
)

// =============================================================================
// REFERENCE MONTH - Audit and settlement records are keyed by month
// =============================================================================

// Month is a calendar reference month (competência).
type Month struct {
	Year  int
	Month time.Month
}

// NewMonth builds a Month.
func NewMonth(year int, month time.Month) Month {
	return Month{Year: year, Month: month}
}

// MonthOf returns the month containing t.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return MonthOf(t), nil
}

// MustParseMonth is ParseMonth for constants. It panics on bad input.
func MustParseMonth(s string) Month {
	m, err := ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Month) String() string   { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }
func (m Month) IsZero() bool     { return m.Year == 0 && m.Month == 0 }
func (m Month) Start() time.Time { return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC) }
func (m Month) Next() Month      { return MonthOf(m.Start().AddDate(0, 1, 0)) }
func (m Month) Prev() Month      { return MonthOf(m.Start().AddDate(0, -1, 0)) }

func (m Month) index() int { return m.Year*12 + int(m.Month) - 1 }

func (m Month) Before(o Month) bool { return m.index() < o.index() }
func (m Month) After(o Month) bool  { return m.index() > o.index() }

// MonthRange is an inclusive range of months. A zero bound is open.
type MonthRange struct {
	From Month
	To   Month
}

// Contains reports whether m falls in the range.
func (r MonthRange) Contains(m Month) bool {
	if !r.From.IsZero() && m.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && m.After(r.To) {
		return false
	}
	return true
}
