package history

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store persists buffer lines across runs.
type Store interface {
	Load(network, buffer string, limit int) ([]Line, error)
	Save(network, buffer string, lines []Line) error
	Close() error
}

type storedLine struct {
	ID        uint      `gorm:"primaryKey"`
	Network   string    `gorm:"index:idx_lines_buffer,priority:1"`
	Buffer    string    `gorm:"index:idx_lines_buffer,priority:2"`
	Time      time.Time `gorm:"index"`
	Kind      int
	Nick      string
	Subject   string
	Text      string
	MsgID     string
	Self      bool
	Highlight bool
}

func (storedLine) TableName() string {
	return "lines"
}

// SQLStore is a Store backed by a SQLite database.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens, and creates if needed, the database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.AutoMigrate(&storedLine{}); err != nil {
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Load returns the last limit lines of buffer, oldest first.
func (s *SQLStore) Load(network, buffer string, limit int) ([]Line, error) {
	var rows []storedLine
	err := s.db.
		Where("network = ? AND buffer = ?", network, buffer).
		Order("time desc, id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	lines := make([]Line, len(rows))
	for i, row := range rows {
		lines[len(rows)-1-i] = Line{
			Time:      row.Time,
			Kind:      Kind(row.Kind),
			Nick:      row.Nick,
			Subject:   row.Subject,
			Text:      row.Text,
			MsgID:     row.MsgID,
			Self:      row.Self,
			Highlight: row.Highlight,
		}
	}
	return lines, nil
}

func (s *SQLStore) Save(network, buffer string, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	rows := make([]storedLine, len(lines))
	for i, line := range lines {
		rows[i] = storedLine{
			Network:   network,
			Buffer:    buffer,
			Time:      line.Time,
			Kind:      int(line.Kind),
			Nick:      line.Nick,
			Subject:   line.Subject,
			Text:      line.Text,
			MsgID:     line.MsgID,
			Self:      line.Self,
			Highlight: line.Highlight,
		}
	}
	return s.db.CreateInBatches(rows, 100).Error
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
