package gateway

import (
	"math"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const limiterClients = 4096

// limiter grants each client address a burst of limit requests refilled
// evenly over window. Least recently seen clients are forgotten first.
type limiter struct {
	clients *lru.Cache[string, *rate.Limiter]
	every   rate.Limit
	burst   int
	window  time.Duration
}

func newLimiter(limit int, window time.Duration) (*limiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, nil
	}
	clients, err := lru.New[string, *rate.Limiter](limiterClients)
	if err != nil {
		return nil, err
	}
	return &limiter{
		clients: clients,
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		window:  window,
	}, nil
}

func (l *limiter) allow(client string) bool {
	lim, ok := l.clients.Get(client)
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		if prev, found, _ := l.clients.PeekOrAdd(client, lim); found {
			lim = prev
		}
	}
	return lim.Allow()
}

func (l *limiter) retryAfter() string {
	return strconv.Itoa(int(math.Ceil(1 / float64(l.every))))
}
