package engage

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEventDedup = []byte("event_dedup")

// Dedup is the persisted idempotency set for engagement events. Insert is
// an atomic insert-if-absent; bbolt's single-writer transactions make it
// safe for concurrent webhook workers. Entries older than the retention
// window are swept so the set stays bounded.
type Dedup struct {
	db        *bolt.DB
	retention time.Duration
	stopCh    chan struct{}
	nowFn     func() time.Time
}

// NewDedup creates the dedup set. retention must cover the provider's
// maximum redelivery window; 72h by default.
func NewDedup(db *bolt.DB, retention time.Duration) (*Dedup, error) {
	if retention <= 0 {
		retention = 72 * time.Hour
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEventDedup)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup bucket: %w", err)
	}

	return &Dedup{
		db:        db,
		retention: retention,
		stopCh:    make(chan struct{}),
		nowFn:     time.Now,
	}, nil
}

// Insert records the event id and reports whether it was absent. A false
// return means the event is a redelivery and must be dropped.
func (d *Dedup) Insert(eventID string) (bool, error) {
	fresh := false
	err := d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEventDedup)
		if bucket.Get([]byte(eventID)) != nil {
			return nil
		}
		fresh = true
		return bucket.Put([]byte(eventID), []byte(d.nowFn().UTC().Format(time.RFC3339)))
	})
	return fresh, err
}

// Remove withdraws an id, re-admitting a redelivery. Used when applying
// an event failed after the id was recorded.
func (d *Dedup) Remove(eventID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEventDedup).Delete([]byte(eventID))
	})
}

// Sweep removes entries older than the retention window and returns how
// many were deleted.
func (d *Dedup) Sweep() (int, error) {
	cutoff := d.nowFn().Add(-d.retention)
	removed := 0

	err := d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEventDedup)
		c := bucket.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			seen, err := time.Parse(time.RFC3339, string(v))
			if err != nil || seen.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// StartSweeper runs periodic retention sweeps until Stop is called
func (d *Dedup) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.Sweep()
			}
		}
	}()
}

// Stop stops the sweeper
func (d *Dedup) Stop() {
	close(d.stopCh)
}
