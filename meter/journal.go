package meter

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// SentRecord remembers a delivered record's unique id so a record seen
// again (rescanned file, replayed stream) is answered with a duplicate
// status instead of being submitted twice.
type SentRecord struct {
	ID       uint      `gorm:"primaryKey"`
	UniqueID string    `gorm:"uniqueIndex;size:512"`
	Probe    string    `gorm:"index;size:256"`
	Site     string    `gorm:"size:256"`
	RunID    string    `gorm:"index;size:36"`
	SentAt   time.Time `gorm:"index"`
}

// OutstandingRecord is a record the collector did not accept. The payload
// is kept verbatim and replayed during reconciliation.
type OutstandingRecord struct {
	ID         uint   `gorm:"primaryKey"`
	UniqueID   string `gorm:"index;size:512"`
	Probe      string `gorm:"index;size:256"`
	Site       string `gorm:"size:256"`
	Payload    string `gorm:"type:text"`
	RunID      string `gorm:"index;size:36"`
	Attempts   int
	FirstTried time.Time
	LastError  string `gorm:"type:text"`
}

// QuarantinedSource records a source file that was held aside for manual
// reprocessing, and where it was moved.
type QuarantinedSource struct {
	ID            uint      `gorm:"primaryKey"`
	Source        string    `gorm:"index;size:1024"`
	MovedTo       string    `gorm:"size:1024"`
	Reason        string    `gorm:"type:text"`
	RunID         string    `gorm:"index;size:36"`
	QuarantinedAt time.Time `gorm:"index"`
}

func openJournal(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SentRecord{}, &OutstandingRecord{}, &QuarantinedSource{}); err != nil {
		return nil, err
	}
	return db, nil
}
