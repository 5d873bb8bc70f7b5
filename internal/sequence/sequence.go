// Package sequence allocates per-collection integer identities and the
// date-scoped serial number. Every implementation performs increments and
// day resets as a single atomic operation in its backing store.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/seedworks/seed/internal/apperr"
)

const (
	// SerialRecordName is the fixed name of the daily serial record.
	SerialRecordName = "todo_serial_number"
	// DayFormat is the layout of the serial's date stamp (YYYYMMDD).
	DayFormat = "20060102"
	// Collection holds the sequence records in document and relational stores.
	Collection = "ids"
)

// Sequencer is the identity allocator used by the storage drivers.
type Sequencer interface {
	// Ensure creates a record at 0 for each name, and the daily serial
	// record, when they do not exist yet. It never resets a counter.
	Ensure(ctx context.Context, names ...string) error
	// NextID increments the named counter and returns the new value.
	NextID(ctx context.Context, name string) (int64, error)
	// NextSerial returns the next daily serial, e.g. "202610190001".
	NextSerial(ctx context.Context) (string, error)
	// Raise lifts the named counter to at least floor (used by migrations
	// after documents were imported with explicit identities).
	Raise(ctx context.Context, name string, floor int64) error
	// Reset removes every record.
	Reset(ctx context.Context) error
}

// Clock returns the current time. Implementations default to time.Now.
type Clock func() time.Time

// Today formats the clock's current day.
func (c Clock) Today() string {
	if c == nil {
		return time.Now().Format(DayFormat)
	}
	return c().Format(DayFormat)
}

// FormatSerial renders day followed by n, zero padded to 4 digits while
// n <= 9999.
func FormatSerial(day string, n int64) string {
	if n > 9999 {
		return fmt.Sprintf("%s%d", day, n)
	}
	return fmt.Sprintf("%s%04d", day, n)
}

// Record is the persisted shape of a sequence or serial counter.
type Record struct {
	Name  string `bson:"name" json:"name" gorm:"column:name;primaryKey"`
	ID    int64  `bson:"id" json:"id" gorm:"column:id;not null;default:0"`
	Today string `bson:"today,omitempty" json:"today,omitempty" gorm:"column:today"`
}

// TableName binds Record to the sequence table for gorm.
func (Record) TableName() string { return Collection }

func missing(name string) error {
	return apperr.New(apperr.KindDatabase, fmt.Sprintf("sequence record %q is not initialized", name))
}
