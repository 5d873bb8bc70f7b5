package sequence

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seedworks/seed/internal/database"
)

// SQL keeps sequence records in the "ids" table. Increments and day resets
// are single UPDATE ... RETURNING statements.
type SQL struct {
	db    *gorm.DB
	clock Clock
}

// NewSQL returns a sequencer over db. A nil clock uses time.Now.
func NewSQL(db *gorm.DB, clock Clock) *SQL {
	return &SQL{db: db, clock: clock}
}

func (s *SQL) Ensure(ctx context.Context, names ...string) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&Record{}); err != nil {
		return database.SQLError(fmt.Errorf("migrate ids table: %w", err))
	}
	recs := make([]Record, 0, len(names)+1)
	for _, n := range names {
		recs = append(recs, Record{Name: n})
	}
	recs = append(recs, Record{Name: SerialRecordName, Today: s.clock.Today()})
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&recs).Error; err != nil {
		return database.SQLError(fmt.Errorf("ensure sequences: %w", err))
	}
	return nil
}

func (s *SQL) NextID(ctx context.Context, name string) (int64, error) {
	var rec Record
	res := s.db.WithContext(ctx).
		Raw("UPDATE ids SET id = id + 1 WHERE name = ? RETURNING name, id, today", name).
		Scan(&rec)
	if res.Error != nil {
		return 0, database.SQLError(fmt.Errorf("next id for %s: %w", name, res.Error))
	}
	if res.RowsAffected == 0 {
		return 0, missing(name)
	}
	return rec.ID, nil
}

func (s *SQL) NextSerial(ctx context.Context) (string, error) {
	today := s.clock.Today()
	var rec Record
	res := s.db.WithContext(ctx).
		Raw(`UPDATE ids SET id = CASE WHEN today = ? THEN id + 1 ELSE 1 END, today = ?
			WHERE name = ? RETURNING name, id, today`, today, today, SerialRecordName).
		Scan(&rec)
	if res.Error != nil {
		return "", database.SQLError(fmt.Errorf("next serial: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return "", missing(SerialRecordName)
	}
	return FormatSerial(rec.Today, rec.ID), nil
}

func (s *SQL) Raise(ctx context.Context, name string, floor int64) error {
	err := s.db.WithContext(ctx).Exec("UPDATE ids SET id = MAX(id, ?) WHERE name = ?", floor, name).Error
	if err != nil {
		return database.SQLError(fmt.Errorf("raise sequence %s: %w", name, err))
	}
	return nil
}

func (s *SQL) Reset(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Migrator().DropTable(&Record{}); err != nil {
		return database.SQLError(fmt.Errorf("drop ids table: %w", err))
	}
	return nil
}
