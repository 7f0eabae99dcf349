package domain

import (
	"sync"
	"time"

	_ "time/tzdata"
)

// Mode is the billing mode of a call. Friday calls draw from the Friday
// token pool; every other day is free.
type Mode string

const (
	ModeFriday  Mode = "friday"
	ModeGeneral Mode = "general"
)

// One Friday token buys one minute of connected call time.
const MinutesPerToken = 1

// referenceZone is the fixed timezone billing decisions are made in,
// regardless of where client or server actually run.
const referenceZone = "Europe/Bratislava"

var loadZone = sync.OnceValue(func() *time.Location {
	loc, err := time.LoadLocation(referenceZone)
	if err != nil {
		// tzdata is linked in, so this only happens with a corrupted build.
		return time.UTC
	}
	return loc
})

// ModeAt selects the billing mode for a call placed at t. It is evaluated
// once at call placement and never re-evaluated mid-call.
func ModeAt(t time.Time) Mode {
	if t.In(loadZone()).Weekday() == time.Friday {
		return ModeFriday
	}
	return ModeGeneral
}
