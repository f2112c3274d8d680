package service

import "time"

// DefaultLookback bounds how far back a poll cycle may look.
const DefaultLookback = 10 * time.Minute

// Watermark returns the boundary below which events are treated as already
// processed: the newest stored timestamp, but never later than now-lookback,
// so late-arriving events near the present are re-examined. An empty store
// yields now-lookback.
//
// This is an approximation: after a long outage the poller only looks back
// lookback from now, and events in between are left to a backfill.
func Watermark(latest time.Time, found bool, now time.Time, lookback time.Duration) time.Time {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	floor := now.Add(-lookback).UTC()
	if !found || latest.After(floor) {
		return floor
	}
	return latest.UTC()
}
