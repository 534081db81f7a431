// Package store is the system of record for profiles, channels, shared
// links, conversations, reactions, and comment attachments. Implementations
// publish a change event to the feed after every successful mutation.
package store

import (
	"context"
	"errors"

	"linkshare/pkg/domain"
)

// ErrNotFound reports that the addressed record does not exist.
var ErrNotFound = errors.New("record not found")

// LinkFilter narrows a link listing. The zero value lists everything.
type LinkFilter struct {
	ChannelID string
}

// MessageFilter narrows a conversation listing to one channel and,
// optionally, one link's discussion thread.
type MessageFilter struct {
	ChannelID string
	LinkID    string
}

// Store defines persistence operations for the link-sharing data model.
// Listings return joined display fields (usernames) filled in; mutations
// assign server identifiers and timestamps when the caller left them empty.
type Store interface {
	// profiles
	SaveProfile(ctx context.Context, p domain.Profile) error
	GetProfile(ctx context.Context, id string) (domain.Profile, bool, error)
	GetProfileByEmail(ctx context.Context, email string) (domain.Profile, bool, error)
	ListProfiles(ctx context.Context) ([]domain.Profile, error)

	// channels
	EnsureChannel(ctx context.Context, name string) (domain.Channel, error)
	GetChannelByName(ctx context.Context, name string) (domain.Channel, bool, error)
	ListChannels(ctx context.Context) ([]domain.Channel, error)

	// shared links
	ListLinks(ctx context.Context, f LinkFilter) ([]domain.SharedLink, error)
	GetLink(ctx context.Context, id string) (domain.SharedLink, bool, error)
	InsertLink(ctx context.Context, l domain.SharedLink) (domain.SharedLink, error)
	MarkLinkRead(ctx context.Context, id string) error
	DeleteLink(ctx context.Context, id string) error

	// conversations
	ListMessages(ctx context.Context, f MessageFilter) ([]domain.Message, error)
	InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error

	// reactions
	ListReactions(ctx context.Context, linkID string) ([]domain.Reaction, error)
	InsertReaction(ctx context.Context, r domain.Reaction) (domain.Reaction, error)
	DeleteReaction(ctx context.Context, id, userID string) error

	// comments and attachments
	ListComments(ctx context.Context, linkID string) ([]domain.Comment, error)
	InsertComment(ctx context.Context, c domain.Comment) (domain.Comment, error)
	ListFiles(ctx context.Context, linkID string) ([]domain.FileRecord, error)
	InsertFile(ctx context.Context, f domain.FileRecord) (domain.FileRecord, error)
}
