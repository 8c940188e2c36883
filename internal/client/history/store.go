// Package history persists a client's conversations and its pending-message
// list, keyed by the local identity so multiple identities can share one
// machine without mixing state.
package history

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatlink/chatlink/internal/wire"
)

// Record is one stored message copy. Pending marks membership in the owner's
// pending list; insertion order doubles as replay order.
type Record struct {
	ID          uint   `gorm:"primaryKey"`
	OwnerID     string `gorm:"index:idx_owner_message,unique;size:64"`
	MessageID   string `gorm:"index:idx_owner_message,unique;size:64"`
	SenderID    string `gorm:"size:64"`
	RecipientID string `gorm:"size:64"`
	Content     string
	Timestamp   int64
	Status      wire.Status `gorm:"size:16"`
	Attempts    int
	Pending     bool `gorm:"index"`
}

// Store wraps the sqlite database holding all local chat state.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the history database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Append stores msg for owner unless a copy with the same message id already
// exists. The returned bool reports whether the message was new.
func (s *Store) Append(ownerID string, msg wire.Message) (bool, error) {
	var existing Record
	err := s.db.Where("owner_id = ? AND message_id = ?", ownerID, msg.MessageID).
		First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	record := Record{
		OwnerID:     ownerID,
		MessageID:   msg.MessageID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp,
		Status:      msg.Status,
		Attempts:    msg.Attempts,
	}
	if err := s.db.Create(&record).Error; err != nil {
		return false, err
	}
	return true, nil
}

// Update rewrites the mutable fields of the owner's copy of messageID.
func (s *Store) Update(ownerID, messageID string, status wire.Status, attempts int, timestamp int64) error {
	updates := map[string]any{
		"status":   status,
		"attempts": attempts,
	}
	if timestamp > 0 {
		updates["timestamp"] = timestamp
	}
	return s.db.Model(&Record{}).
		Where("owner_id = ? AND message_id = ?", ownerID, messageID).
		Updates(updates).Error
}

// SetStatus updates only the status of the owner's copy of messageID.
func (s *Store) SetStatus(ownerID, messageID string, status wire.Status) error {
	return s.db.Model(&Record{}).
		Where("owner_id = ? AND message_id = ?", ownerID, messageID).
		Update("status", status).Error
}

// MarkPending adds or removes the owner's copy from the pending list.
func (s *Store) MarkPending(ownerID, messageID string, pending bool) error {
	return s.db.Model(&Record{}).
		Where("owner_id = ? AND message_id = ?", ownerID, messageID).
		Update("pending", pending).Error
}

// Pending returns the owner's pending messages in capture order.
func (s *Store) Pending(ownerID string) ([]wire.Message, error) {
	var records []Record
	err := s.db.Where("owner_id = ? AND pending = ?", ownerID, true).
		Order("id asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toMessages(records), nil
}

// Conversation returns every message exchanged between owner and peer in
// insertion order.
func (s *Store) Conversation(ownerID, peerID string) ([]wire.Message, error) {
	var records []Record
	err := s.db.Where("owner_id = ? AND (sender_id = ? OR recipient_id = ?)", ownerID, peerID, peerID).
		Order("id asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toMessages(records), nil
}

// Has reports whether the owner already holds a copy of messageID.
func (s *Store) Has(ownerID, messageID string) (bool, error) {
	var count int64
	err := s.db.Model(&Record{}).
		Where("owner_id = ? AND message_id = ?", ownerID, messageID).
		Count(&count).Error
	return count > 0, err
}

func toMessages(records []Record) []wire.Message {
	out := make([]wire.Message, 0, len(records))
	for _, r := range records {
		out = append(out, wire.Message{
			MessageID:   r.MessageID,
			SenderID:    r.SenderID,
			RecipientID: r.RecipientID,
			Content:     r.Content,
			Timestamp:   r.Timestamp,
			Status:      r.Status,
			Attempts:    r.Attempts,
		})
	}
	return out
}
