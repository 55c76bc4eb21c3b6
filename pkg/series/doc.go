// Package series holds the time-indexed parameter series that drive a run:
// inflows, demand ceilings, recharge, reservoir rule curves and throughput
// bounds. A Series stores one canonical year of values and every read wraps
// around that year, so any horizon can be served from a single profile.
//
// Values are daily rates (or levels, for volumes), whatever the
// granularity: a monthly value is the mean daily rate of that month. A
// Horizon names the calendar range of a run. Materialize turns a Series
// into the per-step rate a Horizon needs, converting between daily and
// monthly granularity where the two differ; network.Build scales flow
// rates by Horizon.StepDays.
//
// Profiles are anchored to the calendar: a daily profile of n values is
// read at (day of year - 1) mod n, skipping 29 February when n < 366, and
// a monthly one at (month - 1) mod n.
package series
