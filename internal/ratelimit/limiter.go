// Package ratelimit provides token-bucket admission for session commands.
//
// Each scope (the hub, a session, a session's command kind) owns one
// golang.org/x/time/rate limiter. Buckets refill lazily when they are
// consulted, so idle scopes cost nothing. Acquire takes one token from
// several buckets at once and leaves all of them untouched when any refuses.
package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/agenthub/internal/policy"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// GlobalScope is the scope name of the hub-wide bucket.
const GlobalScope = "global"

// Decision is the outcome of an acquisition. Scope names the bucket that
// refused; RetryAfter is the earliest time a retry can succeed.
type Decision struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Time
}

// Bucket describes one token bucket taking part in an acquisition.
type Bucket struct {
	// Key identifies the limiter instance.
	Key string
	// Scope is reported in a refusing Decision.
	Scope string
	// PerMinute is the refill rate. Zero disables the bucket.
	PerMinute int
	// Burst is the capacity. Values below one are treated as one.
	Burst int
}

// ScopeBucket returns the bucket for scope under limits.
func ScopeBucket(scope string, limits policy.RateLimits) Bucket {
	return Bucket{
		Key:       scope,
		Scope:     scope,
		PerMinute: limits.CallsPerMinute,
		Burst:     limits.Burst,
	}
}

// KindBucket returns the per-kind cap bucket for scope. Its capacity is the
// smaller of the cap and the scope burst. A kind without a cap yields a
// disabled bucket.
func KindBucket(scope string, kind protocol.CommandKind, limits policy.RateLimits) Bucket {
	limit := limits.PerCommandCaps[kind]
	return Bucket{
		Key:       kindKey(scope, kind),
		Scope:     string(kind),
		PerMinute: limit,
		Burst:     min(limit, normalizeBurst(limits.Burst)),
	}
}

func kindKey(scope string, kind protocol.CommandKind) string {
	return scope + "/" + string(kind)
}

func normalizeBurst(b int) int {
	if b < 1 {
		return 1
	}
	return b
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter holds token buckets keyed by scope. It is safe for concurrent use;
// locking is per bucket.
type Limiter struct {
	buckets sync.Map // string -> *bucket
	now     func() time.Time
}

type bucket struct {
	mu        sync.Mutex
	lim       *rate.Limiter
	perMinute int
	burst     int
}

// New returns an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire takes one token from scope's bucket.
func (l *Limiter) TryAcquire(scope string, limits policy.RateLimits) Decision {
	return l.Acquire(ScopeBucket(scope, limits))
}

// TryAcquireCommand takes one token from scope's bucket and from its bucket
// for kind. Either both are consumed or neither is.
func (l *Limiter) TryAcquireCommand(scope string, kind protocol.CommandKind, limits policy.RateLimits) Decision {
	return l.Acquire(ScopeBucket(scope, limits), KindBucket(scope, kind, limits))
}

// Acquire takes one token from every enabled bucket in reqs. If any bucket
// is empty, tokens already reserved are returned. Buckets are given from the
// broadest scope to the narrowest; the narrowest refusing bucket is reported,
// with the time at which every refusing bucket has a token again.
func (l *Limiter) Acquire(reqs ...Bucket) Decision {
	type held struct {
		req Bucket
		b   *bucket
	}
	active := make([]held, 0, len(reqs))
	for _, req := range reqs {
		if req.PerMinute <= 0 {
			continue
		}
		active = append(active, held{req: req, b: l.bucket(req)})
	}
	if len(active) == 0 {
		return Decision{Allowed: true}
	}

	// Lock in key order so concurrent multi-bucket acquisitions cannot
	// deadlock.
	locking := make([]held, len(active))
	copy(locking, active)
	sort.Slice(locking, func(i, j int) bool { return locking[i].req.Key < locking[j].req.Key })
	for i, h := range locking {
		if i > 0 && locking[i-1].b == h.b {
			continue
		}
		h.b.mu.Lock()
	}
	defer func() {
		for i, h := range locking {
			if i > 0 && locking[i-1].b == h.b {
				continue
			}
			h.b.mu.Unlock()
		}
	}()

	now := l.now()
	reserved := make([]*rate.Reservation, 0, len(active))
	var refused *Decision
	refuse := func(scope string, retry time.Time) {
		if refused == nil {
			refused = &Decision{}
		}
		refused.Scope = scope
		if retry.After(refused.RetryAfter) {
			refused.RetryAfter = retry
		}
	}
	for _, h := range active {
		r := h.b.lim.ReserveN(now, 1)
		if !r.OK() {
			refuse(h.req.Scope, now.Add(time.Minute))
			continue
		}
		reserved = append(reserved, r)
		if delay := r.DelayFrom(now); delay > 0 {
			refuse(h.req.Scope, now.Add(delay))
		}
	}
	if refused == nil {
		return Decision{Allowed: true}
	}
	for i := len(reserved) - 1; i >= 0; i-- {
		reserved[i].CancelAt(now)
	}
	return *refused
}

// bucket returns the limiter for req, creating it or applying changed limits.
func (l *Limiter) bucket(req Bucket) *bucket {
	burst := normalizeBurst(req.Burst)
	if v, ok := l.buckets.Load(req.Key); ok {
		b := v.(*bucket)
		b.mu.Lock()
		if b.perMinute != req.PerMinute || b.burst != burst {
			now := l.now()
			b.lim.SetLimitAt(now, perSecond(req.PerMinute))
			b.lim.SetBurstAt(now, burst)
			b.perMinute, b.burst = req.PerMinute, burst
		}
		b.mu.Unlock()
		return b
	}
	fresh := &bucket{
		lim:       rate.NewLimiter(perSecond(req.PerMinute), burst),
		perMinute: req.PerMinute,
		burst:     burst,
	}
	// A new limiter starts full. Anchor it at the injected clock so refill
	// is measured from the first use.
	fresh.lim.AllowN(l.now(), 0)
	v, _ := l.buckets.LoadOrStore(req.Key, fresh)
	return v.(*bucket)
}

func perSecond(perMinute int) rate.Limit {
	return rate.Limit(float64(perMinute) / 60.0)
}

// Tokens reports the tokens currently available in the bucket with key, or
// -1 when it does not exist.
func (l *Limiter) Tokens(key string) float64 {
	v, ok := l.buckets.Load(key)
	if !ok {
		return -1
	}
	return v.(*bucket).lim.TokensAt(l.now())
}

// Forget drops scope's bucket and its per-kind buckets.
func (l *Limiter) Forget(scope string) {
	prefix := scope + "/"
	l.buckets.Range(func(k, _ any) bool {
		key := k.(string)
		if key == scope || strings.HasPrefix(key, prefix) {
			l.buckets.Delete(key)
		}
		return true
	})
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// SessionBuckets returns the session bucket and the session's bucket for
// kind. Keys are namespaced so a session id cannot collide with the global
// bucket; refusals still report the bare session id or kind name.
func SessionBuckets(sessionID string, kind protocol.CommandKind, limits policy.RateLimits) []Bucket {
	scope := ScopeBucket(sessionKey(sessionID), limits)
	scope.Scope = sessionID
	return []Bucket{scope, KindBucket(sessionKey(sessionID), kind, limits)}
}

// ForgetSession drops the buckets created by SessionBuckets for sessionID.
func (l *Limiter) ForgetSession(sessionID string) {
	l.Forget(sessionKey(sessionID))
}
