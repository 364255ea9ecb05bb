package misc

import (
	"sync"
	"time"

	"github.com/hqnet/reliagram/lalog"
)

/*
RateLimit tracks the number of hits performed by each source ("actor") to determine whether a source has exceeded
the specified rate limit. Instead of being a rolling counter, the tracking data is reset to empty at a regular
interval. Remember to call Initialise() before use!
*/
type RateLimit struct {
	UnitSecs int64
	MaxCount int
	Logger   *lalog.Logger

	lastTimestamp int64
	counter       map[string]int
	logged        map[string]struct{}
	counterMutex  *sync.Mutex
}

// Initialise the rate limiter's internal state.
func (limit *RateLimit) Initialise() {
	limit.counter = make(map[string]int)
	limit.logged = make(map[string]struct{})
	limit.counterMutex = new(sync.Mutex)
	if limit.Logger == nil {
		limit.Logger = lalog.DefaultLogger
	}
	if limit.UnitSecs < 1 || limit.MaxCount < 1 {
		limit.Logger.Panic("RateLimit", nil, "UnitSecs and MaxCount must both be greater than 0")
		return
	}
	// Turn a per-second limit into a greater limit over multiple seconds, to reduce log spamming.
	if limit.UnitSecs == 1 {
		for _, factor := range []int{11, 7, 5, 3, 2} {
			if limit.MaxCount%factor == 0 {
				limit.UnitSecs = int64(factor)
				limit.MaxCount *= factor
				break
			}
		}
	}
}

// Add increases the actor's counter by one. If the counter exceeds the max limit, it returns false, otherwise true.
func (limit *RateLimit) Add(actor string, logIfLimitHit bool) bool {
	limit.counterMutex.Lock()
	defer limit.counterMutex.Unlock()
	// Reset all counters once the unit of time has passed.
	if now := time.Now().Unix(); now-limit.lastTimestamp >= limit.UnitSecs {
		limit.counter = make(map[string]int)
		limit.logged = make(map[string]struct{})
		limit.lastTimestamp = now
	}
	if count, exists := limit.counter[actor]; exists {
		if count >= limit.MaxCount {
			if _, hasLogged := limit.logged[actor]; !hasLogged && logIfLimitHit {
				limit.Logger.Warning(actor, nil, "exceeded limit of %d hits per %d seconds", limit.MaxCount, limit.UnitSecs)
				limit.logged[actor] = struct{}{}
			}
			return false
		}
		limit.counter[actor] = count + 1
	} else {
		limit.counter[actor] = 1
	}
	return true
}
