package broker

import (
	"math/rand/v2"
	"time"
)

// Scheduler runs f once after d. It stands in for the network delay of a
// real broker.
type Scheduler interface {
	AfterFunc(d time.Duration, f func())
}

// TimerScheduler schedules with time.AfterFunc.
type TimerScheduler struct{}

func (TimerScheduler) AfterFunc(d time.Duration, f func()) {
	time.AfterFunc(d, f)
}

// DelayFunc picks the fill delay of the next order.
type DelayFunc func() time.Duration

// UniformDelay draws delays uniformly from [minDelay, maxDelay].
func UniformDelay(minDelay, maxDelay time.Duration, random func() float64) DelayFunc {
	if random == nil {
		random = rand.Float64
	}
	span := maxDelay - minDelay
	return func() time.Duration {
		if span <= 0 {
			return minDelay
		}
		return minDelay + time.Duration(random()*float64(span))
	}
}

// FixedDelay always returns d.
func FixedDelay(d time.Duration) DelayFunc {
	return func() time.Duration { return d }
}
