package bussnapshot

import (
	"time"

	"github.com/jroedel/sensorrelay/foundation/frame"
)

// Snapshot is one persisted row. Temperature and Humidity are nil when the
// record did not carry a numeric value under the configured key.
type Snapshot struct {
	ID          int64
	ExecutionID string
	RecordedAt  time.Time
	Temperature *float64
	Humidity    *float64
	Payload     frame.Record
}
