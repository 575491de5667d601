package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Sunbridger/wechat-app/internal/protocol"
)

const (
	keyCurrentUser = "currentUser"
	keyPeerAddress = "peerAddress"
)

// Open opens (creating if needed) the local database and migrates the
// schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	// Single connection: sqlite serializes writers anyway, and an
	// in-memory database exists per connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Setting{}, &Contact{}, &Message{}, &Sticker{}, &Moment{}); err != nil {
		return nil, err
	}
	return db, nil
}

// SystemStore holds singleton settings: the current user profile and
// the persisted peer address.
type SystemStore struct {
	DB *gorm.DB
}

func NewSystemStore(db *gorm.DB) *SystemStore {
	return &SystemStore{DB: db}
}

func (s *SystemStore) GetPeerAddress() (string, error) {
	var setting Setting
	err := s.DB.First(&setting, "key = ?", keyPeerAddress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *SystemStore) SavePeerAddress(id string) error {
	setting := Setting{Key: keyPeerAddress, Value: id}
	return s.DB.Save(&setting).Error
}

func (s *SystemStore) GetUser() (protocol.UserInfo, bool, error) {
	var setting Setting
	err := s.DB.First(&setting, "key = ?", keyCurrentUser).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.UserInfo{}, false, nil
	}
	if err != nil {
		return protocol.UserInfo{}, false, err
	}

	var user protocol.UserInfo
	if err := json.Unmarshal([]byte(setting.Value), &user); err != nil {
		return protocol.UserInfo{}, false, err
	}
	return user, true, nil
}

func (s *SystemStore) SaveUser(user protocol.UserInfo) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	setting := Setting{Key: keyCurrentUser, Value: string(data)}
	return s.DB.Save(&setting).Error
}

// ContactStore manages the contact list. List order is insertion
// order, which contact resolution depends on.
type ContactStore struct {
	DB *gorm.DB
}

func NewContactStore(db *gorm.DB) *ContactStore {
	return &ContactStore{DB: db}
}

func (cs *ContactStore) Create(contact Contact) error {
	if contact.CreatedAt == 0 {
		contact.CreatedAt = time.Now().UnixNano()
	}
	return cs.DB.Create(&contact).Error
}

func (cs *ContactStore) Get(id string) (Contact, bool, error) {
	var contact Contact
	err := cs.DB.First(&contact, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	return contact, true, nil
}

func (cs *ContactStore) List() ([]Contact, error) {
	var contacts []Contact
	err := cs.DB.Order("created_at asc").Find(&contacts).Error
	return contacts, err
}

// FindByPeerAddress returns the first contact (in insertion order)
// bound to the given peer address.
func (cs *ContactStore) FindByPeerAddress(addr string) (Contact, bool, error) {
	var contact Contact
	err := cs.DB.Where("peer_address = ?", addr).Order("created_at asc").First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	return contact, true, nil
}

// FindByName returns the first contact (in insertion order) with the
// given display name. Duplicate names are not disambiguated further.
func (cs *ContactStore) FindByName(name string) (Contact, bool, error) {
	var contact Contact
	err := cs.DB.Where("name = ?", name).Order("created_at asc").First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	return contact, true, nil
}

func (cs *ContactStore) UpdateLastMessage(id, preview string, at int64) error {
	return cs.DB.Model(&Contact{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_message":      preview,
		"last_message_time": at,
	}).Error
}

func (cs *ContactStore) SetPeerAddress(id, addr string) error {
	return cs.DB.Model(&Contact{}).Where("id = ?", id).Update("peer_address", addr).Error
}

func (cs *ContactStore) Delete(id string) error {
	return cs.DB.Delete(&Contact{}, "id = ?", id).Error
}

// MessageStore manages per-contact conversation history.
type MessageStore struct {
	DB *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{DB: db}
}

// Append stores one message at the end of a contact's history. The
// transaction serializes concurrent appends to the same contact.
func (ms *MessageStore) Append(contactID string, msg protocol.ChatMessage) error {
	record := toRecord(contactID, msg)
	return ms.DB.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&record).Error
	})
}

// History returns a contact's messages in arrival order.
func (ms *MessageStore) History(contactID string) ([]protocol.ChatMessage, error) {
	var records []Message
	err := ms.DB.Where("contact_id = ?", contactID).Order("seq asc").Find(&records).Error
	if err != nil {
		return nil, err
	}

	msgs := make([]protocol.ChatMessage, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, fromRecord(r))
	}
	return msgs, nil
}

func (ms *MessageStore) DeleteForContact(contactID string) error {
	return ms.DB.Delete(&Message{}, "contact_id = ?", contactID).Error
}

func toRecord(contactID string, msg protocol.ChatMessage) Message {
	return Message{
		ID:            msg.ID,
		ContactID:     contactID,
		Content:       msg.Content,
		SenderID:      msg.SenderID,
		SenderName:    msg.SenderName,
		Timestamp:     msg.Timestamp,
		Type:          string(msg.Type),
		Status:        string(msg.Status),
		AudioDuration: msg.AudioDuration,
		Transcription: msg.Transcription,
		FileName:      msg.FileName,
		FileSize:      msg.FileSize,
	}
}

func fromRecord(r Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:            r.ID,
		Content:       r.Content,
		SenderID:      r.SenderID,
		SenderName:    r.SenderName,
		Timestamp:     r.Timestamp,
		Type:          protocol.MessageType(r.Type),
		Status:        protocol.MessageStatus(r.Status),
		AudioDuration: r.AudioDuration,
		Transcription: r.Transcription,
		FileName:      r.FileName,
		FileSize:      r.FileSize,
	}
}

// StickerStore manages saved stickers.
type StickerStore struct {
	DB *gorm.DB
}

func NewStickerStore(db *gorm.DB) *StickerStore {
	return &StickerStore{DB: db}
}

func (ss *StickerStore) Save(sticker Sticker) error {
	return ss.DB.Save(&sticker).Error
}

func (ss *StickerStore) List() ([]Sticker, error) {
	var stickers []Sticker
	err := ss.DB.Order("timestamp asc").Find(&stickers).Error
	return stickers, err
}

func (ss *StickerStore) Delete(id string) error {
	return ss.DB.Delete(&Sticker{}, "id = ?", id).Error
}

// MomentStore manages the moments feed.
type MomentStore struct {
	DB *gorm.DB
}

func NewMomentStore(db *gorm.DB) *MomentStore {
	return &MomentStore{DB: db}
}

func (ms *MomentStore) Save(moment Moment) error {
	return ms.DB.Save(&moment).Error
}

func (ms *MomentStore) List() ([]Moment, error) {
	var moments []Moment
	err := ms.DB.Order("timestamp desc").Find(&moments).Error
	return moments, err
}

func (ms *MomentStore) Delete(id string) error {
	return ms.DB.Delete(&Moment{}, "id = ?", id).Error
}
