package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"linkshare/pkg/domain"
)

// GORM models used for persistence. Table names follow the logical relations
// rather than GORM's derived names.

type ProfileModel struct {
	ID           string    `gorm:"primaryKey"`
	Username     string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (ProfileModel) TableName() string { return "profiles" }

type ChannelModel struct {
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ChannelModel) TableName() string { return "channels" }

type SharedLinkModel struct {
	ID        string  `gorm:"primaryKey"`
	URL       string  `gorm:"not null"`
	Sender    string  `gorm:"not null;index"`
	Receiver  string  `gorm:"not null;index"`
	ChannelID *string `gorm:"index"`
	Tags      datatypes.JSON
	IsRead    *bool
	OpID      string    `gorm:"index"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (SharedLinkModel) TableName() string { return "shared_links" }

type ConversationModel struct {
	ID           string    `gorm:"primaryKey"`
	ChannelID    string    `gorm:"not null;index"`
	SharedLinkID *string   `gorm:"index"`
	UserID       string    `gorm:"not null"`
	Message      string    `gorm:"type:text;not null"`
	OpID         string    `gorm:"index"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

func (ConversationModel) TableName() string { return "conversations" }

// ReactionModel carries no uniqueness constraint on (user, link, emoji);
// toggle-by-presence in the view store is the only guard, so concurrent
// double submits can produce duplicates.
type ReactionModel struct {
	ID           string    `gorm:"primaryKey"`
	SharedLinkID string    `gorm:"not null;index"`
	UserID       string    `gorm:"not null"`
	Emoji        string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (ReactionModel) TableName() string { return "reactions" }

type CommentModel struct {
	ID           string    `gorm:"primaryKey"`
	SharedLinkID string    `gorm:"not null;index"`
	UserID       string    `gorm:"not null"`
	Content      string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

func (CommentModel) TableName() string { return "comments" }

type FileModel struct {
	ID           string `gorm:"primaryKey"`
	SharedLinkID string `gorm:"not null;index"`
	UserID       string `gorm:"not null"`
	Filename     string `gorm:"not null"`
	StorageKey   string `gorm:"not null"`
	SizeBytes    int64  `gorm:"not null"`
	ContentType  string
	CreatedAt    time.Time `gorm:"not null"`
}

func (FileModel) TableName() string { return "files" }

func linkToModel(l domain.SharedLink) SharedLinkModel {
	var tags datatypes.JSON
	if len(l.Tags) > 0 {
		raw, err := json.Marshal(l.Tags)
		if err == nil {
			tags = datatypes.JSON(raw)
		}
	}
	created := time.Now().UTC()
	if l.CreatedAt != nil {
		created = *l.CreatedAt
	}
	return SharedLinkModel{
		ID:        l.ID,
		URL:       l.URL,
		Sender:    l.Sender,
		Receiver:  l.Receiver,
		ChannelID: l.ChannelID,
		Tags:      tags,
		IsRead:    l.IsRead,
		OpID:      l.OpID,
		CreatedAt: created,
	}
}

func linkFromModel(m SharedLinkModel) domain.SharedLink {
	var tags []string
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	created := m.CreatedAt
	return domain.SharedLink{
		ID:        m.ID,
		URL:       m.URL,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		ChannelID: m.ChannelID,
		Tags:      tags,
		IsRead:    m.IsRead,
		OpID:      m.OpID,
		CreatedAt: &created,
	}
}

func messageToModel(m domain.Message) ConversationModel {
	return ConversationModel{
		ID:           m.ID,
		ChannelID:    m.ChannelID,
		SharedLinkID: m.SharedLinkID,
		UserID:       m.UserID,
		Message:      m.Body,
		OpID:         m.OpID,
		CreatedAt:    m.CreatedAt,
	}
}

func messageFromModel(m ConversationModel) domain.Message {
	return domain.Message{
		ID:           m.ID,
		ChannelID:    m.ChannelID,
		SharedLinkID: m.SharedLinkID,
		UserID:       m.UserID,
		Body:         m.Message,
		OpID:         m.OpID,
		CreatedAt:    m.CreatedAt,
	}
}
