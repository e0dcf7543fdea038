package escalation

import (
	"errors"
	"testing"
	"time"

	"github.com/lg1805/icss-web-app/internal/complaint"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) string {
	return now.Add(-d).Format("2006-01-02 15:04")
}

func TestEvaluate_HourPolicy(t *testing.T) {
	t.Parallel()

	c := New(Config{Policy: PolicyHours})
	tests := []struct {
		name string
		age  time.Duration
		want complaint.Band
	}{
		{"fresh", time.Hour, complaint.BandRed},
		{"just under 16h", 15*time.Hour + 59*time.Minute, complaint.BandRed},
		{"exactly 16h", 16 * time.Hour, complaint.BandYellow},
		{"18h", 18 * time.Hour, complaint.BandYellow},
		{"exactly 20h", 20 * time.Hour, complaint.BandYellow},
		{"20h01m", 20*time.Hour + time.Minute, complaint.BandBlue},
		{"25h", 25 * time.Hour, complaint.BandBlue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := c.Evaluate(ago(tt.age), "Open", now)
			if res.Err != nil {
				t.Fatalf("Err = %v", res.Err)
			}
			if res.Band != tt.want {
				t.Errorf("Band = %s, want %s", res.Band, tt.want)
			}
			if res.Age == nil || *res.Age != tt.age {
				t.Errorf("Age = %v, want %v", res.Age, tt.age)
			}
		})
	}
}

func TestEvaluate_DayPolicy(t *testing.T) {
	t.Parallel()

	c := New(Config{Policy: PolicyDays})
	tests := []struct {
		age  time.Duration
		want complaint.Band
	}{
		{5 * time.Hour, complaint.BandNone},
		{25 * time.Hour, complaint.BandEarly},
		{49 * time.Hour, complaint.BandWarning},
		{72 * time.Hour, complaint.BandHighWarning},
		{96 * time.Hour, complaint.BandCritical},
		{10 * 24 * time.Hour, complaint.BandCritical},
	}
	for _, tt := range tests {
		if got := c.Evaluate(ago(tt.age), "Open", now).Band; got != tt.want {
			t.Errorf("age %v: Band = %s, want %s", tt.age, got, tt.want)
		}
	}
}

func TestEvaluate_StatusPrecedence(t *testing.T) {
	t.Parallel()

	for _, policy := range []Policy{PolicyHours, PolicyDays} {
		c := New(Config{Policy: policy})
		for _, status := range []string{"Closed", "completed", "Work Completed", "CLOSED by tech"} {
			res := c.Evaluate(ago(10*24*time.Hour), status, now)
			if res.Band != complaint.BandResolved {
				t.Errorf("%s/%q: Band = %s, want Resolved", policy, status, res.Band)
			}
			if res.Err != nil {
				t.Errorf("%s/%q: Err = %v", policy, status, res.Err)
			}
		}
	}
}

func TestEvaluate_ClosedWithBadDateIsResolved(t *testing.T) {
	t.Parallel()

	res := New(Config{}).Evaluate("garbage", "Closed", now)
	if res.Band != complaint.BandResolved {
		t.Errorf("Band = %s, want Resolved", res.Band)
	}
	if res.Err != nil {
		t.Errorf("Err = %v, want nil for resolved record", res.Err)
	}
}

func TestEvaluate_Unknown(t *testing.T) {
	t.Parallel()

	c := New(Config{})

	res := c.Evaluate("", "Open", now)
	if res.Band != complaint.BandUnknown || !errors.Is(res.Err, ErrNoTimestamp) {
		t.Errorf("empty: (%s, %v), want (Unknown, ErrNoTimestamp)", res.Band, res.Err)
	}

	res = c.Evaluate("not a date", "Open", now)
	var pe *DateParseError
	if res.Band != complaint.BandUnknown || !errors.As(res.Err, &pe) {
		t.Errorf("garbage: (%s, %v), want (Unknown, *DateParseError)", res.Band, res.Err)
	}
	if res.CreatedAt != nil || res.Age != nil {
		t.Error("unparseable date must not carry an age")
	}
}

func TestParseTime_Formats(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	tests := []struct {
		raw  string
		want time.Time
	}{
		{"2024-06-14T10:00:00Z", time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC)},
		{"2024-06-14 10:30:15", time.Date(2024, 6, 14, 10, 30, 15, 0, time.UTC)},
		{"2024-06-14 10:30", time.Date(2024, 6, 14, 10, 30, 0, 0, time.UTC)},
		{"2024-06-14", time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)},
		{"14-06-2024 10:30", time.Date(2024, 6, 14, 10, 30, 0, 0, time.UTC)},
		{"14/06/2024 10:30", time.Date(2024, 6, 14, 10, 30, 0, 0, time.UTC)},
		{"5/3/2024", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		// day-first cannot parse a 13th month, month-first can
		{"03/13/2024", time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)},
		// day-first reading (6 Dec) is in the future, month-first (12 Jun) is not
		{"06/12/2024", time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := c.ParseTime(tt.raw, now)
		if err != nil {
			t.Errorf("ParseTime(%q): %v", tt.raw, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseTime_FutureRejected(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}).ParseTime("2030-01-01 00:00", now)
	var pe *DateParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *DateParseError", err)
	}
	if pe.Reason != "every accepted reading is in the future" {
		t.Errorf("Reason = %q", pe.Reason)
	}
}

func TestParseTime_CustomFormatsAndLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("IST", 5*3600+1800)
	c := New(Config{Formats: []string{"02.01.2006 15:04"}, Location: loc})

	got, err := c.ParseTime("14.06.2024 10:00", now)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	want := time.Date(2024, 6, 14, 10, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := c.ParseTime("2024-06-14 10:00", now); err == nil {
		t.Error("layout outside the configured list must not parse")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	if c.Policy() != PolicyHours {
		t.Errorf("Policy = %q, want hours", c.Policy())
	}
	if got := c.Band(17 * time.Hour); got != complaint.BandYellow {
		t.Errorf("Band(17h) = %s, want Yellow", got)
	}
}

func TestCustomHourBands(t *testing.T) {
	t.Parallel()

	c := New(Config{Hours: HourBands{Yellow: 24 * time.Hour, Blue: 48 * time.Hour}})
	tests := []struct {
		age  time.Duration
		want complaint.Band
	}{
		{20 * time.Hour, complaint.BandRed},
		{30 * time.Hour, complaint.BandYellow},
		{49 * time.Hour, complaint.BandBlue},
	}
	for _, tt := range tests {
		if got := c.Band(tt.age); got != tt.want {
			t.Errorf("Band(%v) = %s, want %s", tt.age, got, tt.want)
		}
	}
}
