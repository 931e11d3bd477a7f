package models

import "time"

// Lock is a soft, time-boxed claim on a record signalling that someone is
// editing it. The hard guarantee against corrupt writes is the version check,
// not the lock.
type Lock struct {
	RecordID   string    `json:"record_id"`
	UserID     string    `json:"user_id"`
	Version    int64     `json:"version"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
