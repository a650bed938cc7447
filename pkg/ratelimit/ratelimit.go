// Package ratelimit implements named token buckets for generation
// admission. Buckets are instantiated lazily per scope key (for example
// "generations:user123"), refill continuously and may hold fractional
// values. State is sharded so unrelated keys never contend on one lock.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"weft/pkg/apperr"
	"weft/pkg/config"
	"weft/pkg/logger"
	"weft/pkg/telemetry"
)

// Bucket describes one named bucket family: its capacity and refill rate.
type Bucket struct {
	Name     string
	Capacity float64
	// RefillRate is tokens restored per second.
	RefillRate float64
}

// Status is a point-in-time view of one bucket, for client-side UX.
type Status struct {
	Key      string    `json:"key"`
	Value    float64   `json:"value"`
	Capacity float64   `json:"capacity"`
	// RetryAt is when a cost-1 request would next be admitted. Zero when
	// one is admissible now.
	RetryAt time.Time `json:"retry_at,omitempty"`
}

type bucketState struct {
	value float64
	last  time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
}

// Limiter holds the configured bucket families and the sharded state.
type Limiter struct {
	families map[string]Bucket
	fallback Bucket
	shards   []*shard
	now      func() time.Time
}

const defaultShards = 16

// New builds a limiter from config. Keys are "family:scope"; a key whose
// family has no config falls back to the default bucket.
func New(cfg config.RateLimitConfig) *Limiter {
	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}
	l := &Limiter{
		families: make(map[string]Bucket, len(cfg.Buckets)),
		fallback: Bucket{Name: "default", Capacity: float64(cfg.Burst), RefillRate: cfg.RPS},
		shards:   make([]*shard, n),
		now:      time.Now,
	}
	if l.fallback.Capacity <= 0 {
		l.fallback.Capacity = 10
	}
	if l.fallback.RefillRate <= 0 {
		l.fallback.RefillRate = 5
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: map[string]*bucketState{}}
	}
	for _, b := range cfg.Buckets {
		per := b.RefillPer.Duration()
		if per <= 0 {
			per = time.Second
		}
		l.families[b.Name] = Bucket{
			Name:       b.Name,
			Capacity:   b.Capacity,
			RefillRate: b.Refill / per.Seconds(),
		}
	}
	return l
}

func (l *Limiter) family(key string) Bucket {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			if fam, ok := l.families[key[:i]]; ok {
				return fam
			}
			break
		}
	}
	return l.fallback
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// refillLocked brings the bucket value up to date. Callers hold the shard
// lock.
func refillLocked(b *bucketState, fam Bucket, now time.Time) {
	if b.last.IsZero() {
		b.value = fam.Capacity
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.value += elapsed * fam.RefillRate
	if b.value > fam.Capacity {
		b.value = fam.Capacity
	}
	b.last = now
}

func (l *Limiter) state(sh *shard, key string, fam Bucket, now time.Time) *bucketState {
	b, ok := sh.buckets[key]
	if !ok {
		b = &bucketState{}
		sh.buckets[key] = b
	}
	refillLocked(b, fam, now)
	return b
}

// Check admits and debits cost when the bucket holds enough tokens. On
// rejection nothing is debited and the returned error carries the earliest
// time the same cost would be admitted.
func (l *Limiter) Check(key string, cost float64) error {
	fam := l.family(key)
	sh := l.shardFor(key)
	now := l.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	b := l.state(sh, key, fam, now)
	if b.value >= cost {
		b.value -= cost
		return nil
	}
	wait := (cost - b.value) / fam.RefillRate
	retryAt := now.Add(time.Duration(wait * float64(time.Second)))
	logger.Debug("rate_limit_rejected", "key", key, "cost", cost, "value", b.value)
	telemetry.RateLimitRejected(fam.Name)
	return &apperr.RateLimited{Key: key, RetryAt: retryAt}
}

// Reserve debits cost unconditionally, letting the value go negative.
// Callers that reserve an estimate must Reconcile once the true cost is
// known.
func (l *Limiter) Reserve(key string, cost float64) {
	fam := l.family(key)
	sh := l.shardFor(key)
	now := l.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	b := l.state(sh, key, fam, now)
	b.value -= cost
}

// Reconcile credits back the reserved estimate and debits the actual cost.
// It is a compensating adjustment, not a rollback: the value may still end
// up negative and future Checks will wait it out.
func (l *Limiter) Reconcile(key string, estimated, actual float64) {
	fam := l.family(key)
	sh := l.shardFor(key)
	now := l.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	b := l.state(sh, key, fam, now)
	b.value += estimated - actual
	if b.value > fam.Capacity {
		b.value = fam.Capacity
	}
}

// Status reports the bucket's current value without debiting.
func (l *Limiter) Status(key string) Status {
	fam := l.family(key)
	sh := l.shardFor(key)
	now := l.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	b := l.state(sh, key, fam, now)
	st := Status{Key: key, Value: b.value, Capacity: fam.Capacity}
	if b.value < 1 {
		wait := (1 - b.value) / fam.RefillRate
		st.RetryAt = now.Add(time.Duration(wait * float64(time.Second)))
	}
	return st
}
