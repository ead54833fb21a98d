// Package auditstore persists a lightweight audit trail of peer
// connections, disconnections, and relayed text messages.
package auditstore

import (
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectionEvent records one peer session's lifecycle boundary.
type ConnectionEvent struct {
	ID           uint   `gorm:"primarykey"`
	PeerID       string `gorm:"index;not null"`
	ServerID     string
	UsernameHash string
	Event        string // "connect", "disconnect"
	Reason       string
	At           time.Time `gorm:"index"`
}

func (ConnectionEvent) TableName() string { return "connection_events" }

// TextMessageEvent records one relayed chat message's metadata, never
// the message body.
type TextMessageEvent struct {
	ID           uint   `gorm:"primarykey"`
	PeerID       string `gorm:"index;not null"`
	ServerID     string
	UsernameHash string
	Length       int
	At           time.Time `gorm:"index"`
}

func (TextMessageEvent) TableName() string { return "text_message_events" }

// Store is the audit log's persistence handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) a sqlite-backed audit store at path.
// Use ":memory:" for ephemeral/test stores.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ConnectionEvent{}, &TextMessageEvent{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// hashUsername anonymizes a username before it touches disk. bcrypt's
// built-in salt means the same username hashes differently across
// rows; that's acceptable here since the audit log only needs to prove
// "a connection happened", not to deduplicate by user.
func hashUsername(username string) string {
	if username == "" {
		return ""
	}
	sum, err := bcrypt.GenerateFromPassword([]byte(username), bcrypt.MinCost)
	if err != nil {
		return ""
	}
	return string(sum)
}

// RecordConnect logs a successful session establishment.
func (s *Store) RecordConnect(peerID, serverID, username string) error {
	return s.db.Create(&ConnectionEvent{
		PeerID:       peerID,
		ServerID:     serverID,
		UsernameHash: hashUsername(username),
		Event:        "connect",
		At:           time.Now(),
	}).Error
}

// RecordDisconnect logs a session teardown with its reason
// ("client_disconnect" / "mumble_disconnect").
func (s *Store) RecordDisconnect(peerID, serverID, reason string) error {
	return s.db.Create(&ConnectionEvent{
		PeerID:   peerID,
		ServerID: serverID,
		Event:    "disconnect",
		Reason:   reason,
		At:       time.Now(),
	}).Error
}

// RecordTextMessage logs that a chat message was relayed, without
// storing its contents.
func (s *Store) RecordTextMessage(peerID, serverID, username string, length int) error {
	return s.db.Create(&TextMessageEvent{
		PeerID:       peerID,
		ServerID:     serverID,
		UsernameHash: hashUsername(username),
		Length:       length,
		At:           time.Now(),
	}).Error
}

// RecentConnections returns the most recent connection events, newest
// first, for operator diagnostics.
func (s *Store) RecentConnections(limit int) ([]ConnectionEvent, error) {
	var events []ConnectionEvent
	err := s.db.Order("at desc").Limit(limit).Find(&events).Error
	return events, err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
