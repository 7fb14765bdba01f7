package ratelimit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("campaign_buckets")

// Config contains rate limiter settings
type Config struct {
	// FlushInterval controls how often bucket levels are persisted
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// bucketState is the persisted shape of one campaign's token bucket
type bucketState struct {
	Tokens   float64   `json:"tokens"`
	LastFill time.Time `json:"last_fill"`
}

// Limiter implements per-campaign token buckets. Capacity equals the
// campaign's send_rate_per_hour and refills continuously at capacity/3600
// tokens per second, bounding sends inside any rolling hour. Levels are
// persisted to bbolt so a restart cannot reset a campaign's budget.
type Limiter struct {
	db      *bolt.DB
	config  *Config
	buckets map[string]*bucketState
	mu      sync.Mutex
	stopCh  chan struct{}
	nowFn   func() time.Time
}

// NewLimiter creates a rate limiter backed by the given bbolt database
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit bucket: %w", err)
	}

	l := &Limiter{
		db:      db,
		config:  cfg,
		buckets: make(map[string]*bucketState),
		stopCh:  make(chan struct{}),
		nowFn:   time.Now,
	}

	if err := l.loadBuckets(); err != nil {
		return nil, fmt.Errorf("failed to load bucket levels: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// TakeUpTo atomically removes up to n tokens from the campaign's bucket and
// returns how many were actually taken. A zero return means the dispatcher
// should yield and be rescheduled later; there is never a busy-wait.
// capacityPerHour <= 0 means the campaign is unthrottled.
func (l *Limiter) TakeUpTo(campaignID string, capacityPerHour, n int) int {
	if n <= 0 {
		return 0
	}
	if capacityPerHour <= 0 {
		return n
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	b := l.refill(campaignID, capacityPerHour, now)

	take := n
	if float64(take) > b.Tokens {
		take = int(b.Tokens)
	}
	b.Tokens -= float64(take)
	return take
}

// Return gives back tokens reserved for recipients that were skipped
// without a transmit (paused campaign, suppressed address). A failed
// transmit attempt keeps its token: the wire was used either way.
func (l *Limiter) Return(campaignID string, capacityPerHour, n int) {
	if n <= 0 || capacityPerHour <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(campaignID, capacityPerHour, l.nowFn())
	b.Tokens += float64(n)
	if b.Tokens > float64(capacityPerHour) {
		b.Tokens = float64(capacityPerHour)
	}
}

// Available reports the current token level without taking any
func (l *Limiter) Available(campaignID string, capacityPerHour int) int {
	if capacityPerHour <= 0 {
		return int(^uint(0) >> 1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.refill(campaignID, capacityPerHour, l.nowFn()).Tokens)
}

// Forget drops a campaign's bucket once the campaign reaches a terminal state
func (l *Limiter) Forget(campaignID string) {
	l.mu.Lock()
	delete(l.buckets, campaignID)
	l.mu.Unlock()

	l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(campaignID))
	})
}

// Stop stops the limiter and persists bucket levels
func (l *Limiter) Stop() error {
	close(l.stopCh)
	return l.persistBuckets()
}

// refill applies continuous refill since the last fill. Caller holds l.mu.
func (l *Limiter) refill(campaignID string, capacityPerHour int, now time.Time) *bucketState {
	b, exists := l.buckets[campaignID]
	if !exists {
		// New buckets start full: a fresh campaign may burst its first hour
		b = &bucketState{Tokens: float64(capacityPerHour), LastFill: now}
		l.buckets[campaignID] = b
		return b
	}

	elapsed := now.Sub(b.LastFill).Seconds()
	if elapsed > 0 {
		b.Tokens += elapsed * float64(capacityPerHour) / 3600.0
		if b.Tokens > float64(capacityPerHour) {
			b.Tokens = float64(capacityPerHour)
		}
		b.LastFill = now
	}
	return b
}

func (l *Limiter) loadBuckets() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var b bucketState
			if err := json.Unmarshal(v, &b); err != nil {
				return nil // Skip invalid entries
			}
			l.buckets[string(k)] = &b
			return nil
		})
	})
}

func (l *Limiter) persistBuckets() error {
	l.mu.Lock()
	snapshot := make(map[string][]byte, len(l.buckets))
	for key, b := range l.buckets {
		data, err := json.Marshal(b)
		if err != nil {
			continue
		}
		snapshot[key] = data
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		for key, data := range snapshot {
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistBuckets()
		}
	}
}
