package server

import (
	"errors"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ClientLimiter throttles requests per client IP with token buckets.
//
// Reads and writes draw from separate buckets: every proposed mutation fans
// out to all validators, so writes get the smaller budget. The client table
// is an LRU bounded by maxClients; an evicted client starts again with full
// buckets.
type ClientLimiter struct {
	reads   int
	writes  int
	burst   int
	clients *lru.Cache[string, *clientBuckets]
	now     func() time.Time
}

type clientBuckets struct {
	read  *rate.Limiter
	write *rate.Limiter
}

// NewClientLimiter creates a limiter. A zero writesPerMinute uses the read
// rate for writes. Bursts are capped at the per-minute rate.
func NewClientLimiter(readsPerMinute, writesPerMinute, burst, maxClients int) (*ClientLimiter, error) {
	if readsPerMinute <= 0 {
		return nil, errors.New("rate limit must be positive")
	}
	if writesPerMinute <= 0 {
		writesPerMinute = readsPerMinute
	}
	clients, err := lru.New[string, *clientBuckets](max(maxClients, 1))
	if err != nil {
		return nil, err
	}
	if burst <= 0 {
		burst = readsPerMinute
	}
	return &ClientLimiter{
		reads:   readsPerMinute,
		writes:  writesPerMinute,
		burst:   burst,
		clients: clients,
		now:     time.Now,
	}, nil
}

// Allow takes one token from the client's read or write bucket. When the
// bucket is empty it returns false and the time until the next token.
func (l *ClientLimiter) Allow(ip string, write bool) (bool, time.Duration) {
	b := l.buckets(ip)
	lim, per := b.read, l.reads
	if write {
		lim, per = b.write, l.writes
	}
	if lim.AllowN(l.now(), 1) {
		return true, 0
	}
	return false, time.Minute / time.Duration(per)
}

// Clients returns the number of clients currently tracked.
func (l *ClientLimiter) Clients() int {
	return l.clients.Len()
}

func (l *ClientLimiter) buckets(ip string) *clientBuckets {
	if b, ok := l.clients.Get(ip); ok {
		return b
	}
	fresh := &clientBuckets{
		read:  l.bucket(l.reads),
		write: l.bucket(l.writes),
	}
	if prev, ok, _ := l.clients.PeekOrAdd(ip, fresh); ok {
		return prev
	}
	return fresh
}

func (l *ClientLimiter) bucket(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), min(l.burst, perMinute))
}

func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}
