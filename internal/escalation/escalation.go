// Package escalation computes the time-based escalation band of a
// complaint from its creation time, lifecycle status and a clock reading.
//
// A closed or completed status always yields Resolved. Otherwise the age is
// banded by the configured policy (hours or days). A creation time that is
// missing or matches none of the accepted layouts yields Unknown; the record
// is kept but not ranked by age.
package escalation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lg1805/icss-web-app/internal/complaint"
)

// Policy selects how age is banded.
type Policy string

const (
	PolicyHours Policy = "hours"
	PolicyDays  Policy = "days"
)

// ErrNoTimestamp is returned for an empty creation time.
var ErrNoTimestamp = errors.New("no creation timestamp")

// DateParseError reports a creation time that matched no accepted layout,
// or only parsed to instants after now.
type DateParseError struct {
	Raw    string
	Reason string
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("parse creation time %q: %s", e.Raw, e.Reason)
}

// DefaultFormats is the accepted layout list, tried in order. Day-first
// layouts precede month-first ones, so "05/03/2024" is 5 March; a
// month-first reading is only reached when day-first fails to parse or
// lands in the future.
var DefaultFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2-1-2006 15:04:05",
	"2-1-2006 15:04",
	"2-1-2006",
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2/1/2006",
	"1/2/2006 15:04",
	"1/2/2006",
}

// HourBands are the bounds of the hour policy: younger than Yellow is Red,
// Yellow through Blue inclusive is Yellow, older than Blue is Blue.
type HourBands struct {
	Yellow time.Duration
	Blue   time.Duration
}

// DefaultHourBands is the 16h/20h calibration.
var DefaultHourBands = HourBands{Yellow: 16 * time.Hour, Blue: 20 * time.Hour}

// Config configures a Clock.
type Config struct {
	Policy   Policy
	Formats  []string
	Location *time.Location
	Hours    HourBands
}

// Result is the escalation outcome for one record.
type Result struct {
	Band      complaint.Band
	CreatedAt *time.Time
	Age       *time.Duration
	// Err is set when the creation time could not be used.
	Err error
}

// Clock evaluates escalation bands. It holds no mutable state.
type Clock struct {
	cfg Config
}

// New returns a Clock. Zero-valued fields take the package defaults.
func New(cfg Config) *Clock {
	if cfg.Policy == "" {
		cfg.Policy = PolicyHours
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = DefaultFormats
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Hours == (HourBands{}) {
		cfg.Hours = DefaultHourBands
	}
	return &Clock{cfg: cfg}
}

// Policy returns the active policy.
func (c *Clock) Policy() Policy { return c.cfg.Policy }

// Evaluate computes the band for a record at now.
func (c *Clock) Evaluate(createdRaw, status string, now time.Time) Result {
	var res Result

	created, err := c.ParseTime(createdRaw, now)
	if err == nil {
		age := now.Sub(created)
		res.CreatedAt = &created
		res.Age = &age
	}

	if complaint.IsClosed(status) {
		res.Band = complaint.BandResolved
		return res
	}
	if err != nil {
		res.Band = complaint.BandUnknown
		res.Err = err
		return res
	}

	res.Band = c.Band(*res.Age)
	return res
}

// Band maps an age to a band under the active policy.
func (c *Clock) Band(age time.Duration) complaint.Band {
	if c.cfg.Policy == PolicyDays {
		return dayBand(age)
	}
	return c.hourBand(age)
}

func (c *Clock) hourBand(age time.Duration) complaint.Band {
	switch {
	case age < c.cfg.Hours.Yellow:
		return complaint.BandRed
	case age <= c.cfg.Hours.Blue:
		return complaint.BandYellow
	default:
		return complaint.BandBlue
	}
}

func dayBand(age time.Duration) complaint.Band {
	days := int(age / (24 * time.Hour))
	switch {
	case days <= 0:
		return complaint.BandNone
	case days == 1:
		return complaint.BandEarly
	case days == 2:
		return complaint.BandWarning
	case days == 3:
		return complaint.BandHighWarning
	default:
		return complaint.BandCritical
	}
}

// ParseTime parses raw with the first accepted layout that yields an
// instant not after now.
func (c *Clock) ParseTime(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrNoTimestamp
	}

	sawFuture := false
	for _, layout := range c.cfg.Formats {
		t, err := time.ParseInLocation(layout, raw, c.cfg.Location)
		if err != nil {
			continue
		}
		if t.After(now) {
			sawFuture = true
			continue
		}
		return t, nil
	}

	if sawFuture {
		return time.Time{}, &DateParseError{Raw: raw, Reason: "every accepted reading is in the future"}
	}
	return time.Time{}, &DateParseError{Raw: raw, Reason: "no accepted format matched"}
}
