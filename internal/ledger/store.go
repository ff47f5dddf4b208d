package ledger

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Record is one terminal transfer outcome.
type Record struct {
	ID        uint `gorm:"primaryKey"`
	FileID    string
	Name      string
	Size      int64
	MimeType  string
	Direction string
	Status    string
	Timestamp time.Time
}

// Store persists history records for the lifetime of the session. The
// default DSN is an in-memory database; transfer history deliberately does
// not survive a restart.
type Store struct {
	db *gorm.DB
}

const MemoryDSN = ":memory:"

func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Append(record *Record) error {
	return s.db.Create(record).Error
}

func (s *Store) List() ([]Record, error) {
	records := []Record{}
	err := s.db.Order("id").Find(&records).Error
	return records, err
}

func (s *Store) Delete(fileID string) error {
	return s.db.Where("file_id = ?", fileID).Delete(&Record{}).Error
}
