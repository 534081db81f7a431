package domain

import "time"

// PendingIDPrefix marks a provisional identifier assigned client-side to an
// optimistic entry before the write is confirmed.
const PendingIDPrefix = "pending-"

type Profile struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SharedLink is a link one user shared with another, optionally inside a
// channel. SenderName/ReceiverName are joined display fields filled by the
// store on listing; they are not persisted on the link itself.
type SharedLink struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Sender       string     `json:"sender"`
	Receiver     string     `json:"receiver"`
	ChannelID    *string    `json:"channelId"`
	Tags         []string   `json:"tags,omitempty"`
	IsRead       *bool      `json:"isRead"`
	CreatedAt    *time.Time `json:"createdAt"`
	OpID         string     `json:"opId,omitempty"`
	SenderName   string     `json:"senderName,omitempty"`
	ReceiverName string     `json:"receiverName,omitempty"`
	Pending      bool       `json:"pending,omitempty"`
}

// LinkDraft carries the caller-supplied fields for a new shared link.
type LinkDraft struct {
	URL       string   `json:"url"`
	Receiver  string   `json:"receiver"`
	ChannelID string   `json:"channelId"`
	Tags      []string `json:"tags,omitempty"`
}

type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one conversation entry. A nil SharedLinkID means a channel-level
// message; otherwise the message belongs to that link's discussion thread.
// Body is plaintext at this boundary; the codec form only exists at rest.
type Message struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channelId"`
	SharedLinkID *string   `json:"sharedLinkId"`
	UserID       string    `json:"userId"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"createdAt"`
	OpID         string    `json:"opId,omitempty"`
	AuthorName   string    `json:"authorName,omitempty"`
	AuthorEmail  string    `json:"authorEmail,omitempty"`
	Pending      bool      `json:"pending,omitempty"`
}

type Reaction struct {
	ID           string    `json:"id"`
	SharedLinkID string    `json:"sharedLinkId"`
	UserID       string    `json:"userId"`
	Emoji        string    `json:"emoji"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ReactionGroup is the per-emoji display rollup for one link.
type ReactionGroup struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	Users   []string `json:"users"`
	Reacted bool     `json:"reacted"`
}

// Comment is a per-link note, optionally carrying a file attachment.
type Comment struct {
	ID           string    `json:"id"`
	SharedLinkID string    `json:"sharedLinkId"`
	UserID       string    `json:"userId"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"createdAt"`
	AuthorName   string    `json:"authorName,omitempty"`
}

// FileRecord is attachment metadata; the bytes live in object storage under
// StorageKey.
type FileRecord struct {
	ID           string    `json:"id"`
	SharedLinkID string    `json:"sharedLinkId"`
	UserID       string    `json:"userId"`
	Filename     string    `json:"filename"`
	StorageKey   string    `json:"-"`
	SizeBytes    int64     `json:"sizeBytes"`
	ContentType  string    `json:"contentType"`
	CreatedAt    time.Time `json:"createdAt"`
}
