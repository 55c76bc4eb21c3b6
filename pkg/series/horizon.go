package series

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidHorizon is returned for a horizon with no steps or an unknown granularity.
var ErrInvalidHorizon = errors.New("invalid horizon")

// Horizon is the calendar range simulated by one run.
type Horizon struct {
	Start       time.Time   `json:"start" yaml:"start"`
	Steps       int         `json:"steps" yaml:"steps"`
	Granularity Granularity `json:"granularity" yaml:"granularity"`
}

// NewHorizon normalizes start to midnight UTC (and to the first of the
// month for monthly horizons) and validates the step count.
func NewHorizon(start time.Time, steps int, g Granularity) (Horizon, error) {
	h := Horizon{Start: start, Steps: steps, Granularity: g}
	if err := h.Validate(); err != nil {
		return Horizon{}, err
	}
	y, m, d := start.UTC().Date()
	if g == Monthly {
		d = 1
	}
	h.Start = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return h, nil
}

// Validate checks the step count and granularity.
func (h Horizon) Validate() error {
	if h.Steps <= 0 {
		return fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidHorizon, h.Steps)
	}
	if h.Granularity.MaxPeriods() == 0 {
		return fmt.Errorf("%w: granularity %q", ErrInvalidHorizon, h.Granularity)
	}
	if h.Start.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidHorizon)
	}
	return nil
}

// StepDate returns the first day covered by step t.
func (h Horizon) StepDate(t int) time.Time {
	if h.Granularity == Monthly {
		return h.Start.AddDate(0, t, 0)
	}
	return h.Start.AddDate(0, 0, t)
}

// StepDays returns the number of days covered by step t.
func (h Horizon) StepDays(t int) int {
	if h.Granularity == Monthly {
		d := h.StepDate(t)
		return int(d.AddDate(0, 1, 0).Sub(d).Hours() / 24)
	}
	return 1
}

// End returns the first day after the horizon.
func (h Horizon) End() time.Time {
	return h.StepDate(h.Steps)
}

// Materialize returns the per-step values of s over h.
//
// Profiles are anchored to the calendar: a run starting in June reads the
// June period first. Matching granularities read the profile directly, a
// monthly series under a daily horizon repeats the month's value every day,
// and a daily series under a monthly horizon yields the mean of the month's
// days.
func Materialize(s *Series, h Horizon) []float64 {
	if s.granularity == Monthly && h.Granularity == Monthly {
		return s.Window(periodIndex(h.Start, Monthly, s.Len()), h.Steps)
	}
	out := make([]float64, h.Steps)
	for t := range out {
		date := h.StepDate(t)
		switch {
		case s.granularity == h.Granularity:
			out[t] = s.At(periodIndex(date, s.granularity, s.Len()))
		case s.granularity == Monthly:
			out[t] = s.At(int(date.Month()) - 1)
		default:
			days := h.StepDays(t)
			var sum float64
			for d := 0; d < days; d++ {
				sum += s.At(periodIndex(date.AddDate(0, 0, d), Daily, s.Len()))
			}
			out[t] = sum / float64(days)
		}
	}
	return out
}

// periodIndex maps a date to a 0-based index into a profile of n periods.
// Short daily profiles skip 29 February so that 1 March keeps its slot.
func periodIndex(date time.Time, g Granularity, n int) int {
	if g == Monthly {
		return (int(date.Month()) - 1) % n
	}
	yd := date.YearDay() - 1
	if n < 366 && isLeap(date.Year()) && yd >= 59 {
		yd--
	}
	return yd % n
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
