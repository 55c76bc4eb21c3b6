package series

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Granularity is the period length of a series or a horizon.
type Granularity string

const (
	Daily   Granularity = "daily"
	Monthly Granularity = "monthly"
)

// MaxPeriods is the largest canonical-year length for the granularity.
func (g Granularity) MaxPeriods() int {
	switch g {
	case Daily:
		return 366
	case Monthly:
		return 12
	default:
		return 0
	}
}

// ParseGranularity accepts "daily"/"monthly" and the single-letter forms.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "daily", "day", "d", "D":
		return Daily, nil
	case "monthly", "month", "m", "M":
		return Monthly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
	}
}

var (
	ErrEmptySeries        = errors.New("series has no values")
	ErrInvalidValue       = errors.New("series value is not finite")
	ErrTooManyPeriods     = errors.New("series exceeds one canonical year")
	ErrPeriodGap          = errors.New("series periods are not contiguous from 1")
	ErrUnknownGranularity = errors.New("unknown granularity")
	ErrSeriesNotFound     = errors.New("series not found")
)

// Point is one (period, value) pair. Periods are 1-based: day of year for
// daily series, month number for monthly series.
type Point struct {
	Period int
	Value  float64
}

// Series is an immutable canonical year of values.
type Series struct {
	name        string
	granularity Granularity
	values      []float64
}

// New builds a series from values ordered by period.
func New(name string, g Granularity, values []float64) (*Series, error) {
	if g.MaxPeriods() == 0 {
		return nil, fmt.Errorf("series %q: %w: %q", name, ErrUnknownGranularity, g)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("series %q: %w", name, ErrEmptySeries)
	}
	if len(values) > g.MaxPeriods() {
		return nil, fmt.Errorf("series %q: %w (%d > %d)", name, ErrTooManyPeriods, len(values), g.MaxPeriods())
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("series %q period %d: %w", name, i+1, ErrInvalidValue)
		}
	}

	vals := make([]float64, len(values))
	copy(vals, values)
	return &Series{name: name, granularity: g, values: vals}, nil
}

// FromPoints builds a series from (period, value) pairs in any order. The
// periods must cover 1..N exactly once.
func FromPoints(name string, g Granularity, points []Point) (*Series, error) {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Period < sorted[j].Period })

	values := make([]float64, len(sorted))
	for i, p := range sorted {
		if p.Period != i+1 {
			return nil, fmt.Errorf("series %q: %w (expected period %d, got %d)", name, ErrPeriodGap, i+1, p.Period)
		}
		values[i] = p.Value
	}
	return New(name, g, values)
}

// Constant builds a one-period series that repeats value forever.
func Constant(name string, g Granularity, value float64) (*Series, error) {
	return New(name, g, []float64{value})
}

func (s *Series) Name() string             { return s.name }
func (s *Series) Granularity() Granularity { return s.granularity }
func (s *Series) Len() int                 { return len(s.values) }

// At returns the value at a 0-based index, wrapping around the profile in
// both directions.
func (s *Series) At(i int) float64 {
	n := len(s.values)
	idx := i % n
	if idx < 0 {
		idx += n
	}
	return s.values[idx]
}

// Window returns n consecutive values starting at the 0-based index start,
// wrapping around the profile.
func (s *Series) Window(start, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = s.At(start + i)
	}
	return out
}

// Points returns the canonical year as 1-based pairs.
func (s *Series) Points() []Point {
	out := make([]Point, len(s.values))
	for i, v := range s.values {
		out[i] = Point{Period: i + 1, Value: v}
	}
	return out
}

// Library indexes series by name.
type Library map[string]*Series

// Get looks a series up by name.
func (l Library) Get(name string) (*Series, error) {
	s, ok := l[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSeriesNotFound, name)
	}
	return s, nil
}

// Names returns the series names in sorted order.
func (l Library) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add stores s, replacing any series of the same name.
func (l Library) Add(s *Series) {
	l[s.name] = s
}
