package models

import "time"

// Record is the opaque persisted view of a reviewed record. The business
// schema lives outside this service; Data is carried through untouched.
type Record struct {
	RecordID  string         `json:"record_id"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	UpdatedBy string         `json:"updated_by"`
	UpdatedAt time.Time      `json:"updated_at"`
}
