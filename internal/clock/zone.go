// Package clock converts instants to calendar dates in the configured
// timezone. Attendance documents are keyed by the local business day, so the
// date must be computed in the operator's zone, never in UTC.
package clock

import (
	"fmt"
	"time"
)

// DefaultZone is used when no timezone is configured.
const DefaultZone = "Asia/Kolkata"

// DateLayout is the calendar date form used in document paths.
const DateLayout = "2006-01-02"

// Zone resolves instants to calendar dates in one IANA timezone.
type Zone struct {
	name string
	loc  *time.Location
}

// LoadZone resolves an IANA zone name. An empty name loads DefaultZone.
func LoadZone(name string) (*Zone, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", name, err)
	}
	return &Zone{name: name, loc: loc}, nil
}

// MustLoadZone is LoadZone for static zone names; it panics on failure.
func MustLoadZone(name string) *Zone {
	z, err := LoadZone(name)
	if err != nil {
		panic(err)
	}
	return z
}

// Name returns the IANA zone name.
func (z *Zone) Name() string { return z.name }

// Location returns the underlying location.
func (z *Zone) Location() *time.Location { return z.loc }

// CalendarDate returns t's calendar date in the zone, formatted YYYY-MM-DD.
func (z *Zone) CalendarDate(t time.Time) string {
	return t.In(z.loc).Format(DateLayout)
}

// In shifts t into the zone.
func (z *Zone) In(t time.Time) time.Time {
	return t.In(z.loc)
}
