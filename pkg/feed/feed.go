// Package feed carries change notifications for the data store's tables.
// Every successful mutation publishes one event; view stores subscribe with
// a filter scoped to the table and key they render.
package feed

import (
	"context"

	"linkshare/pkg/domain"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

type Table string

const (
	TableSharedLinks   Table = "shared_links"
	TableChannels      Table = "channels"
	TableConversations Table = "conversations"
	TableReactions     Table = "reactions"
	TableComments      Table = "comments"
)

// Payload is the typed record attached to an event. Exactly one field is set,
// selected by Event.Table.
type Payload struct {
	Link     *domain.SharedLink `json:"link,omitempty"`
	Channel  *domain.Channel    `json:"channel,omitempty"`
	Message  *domain.Message    `json:"message,omitempty"`
	Reaction *domain.Reaction   `json:"reaction,omitempty"`
	Comment  *domain.Comment    `json:"comment,omitempty"`
}

// Event describes one insert, update, or delete. New is set for inserts and
// updates, Old for updates and deletes.
type Event struct {
	Type  EventType `json:"type"`
	Table Table     `json:"table"`
	New   *Payload  `json:"new,omitempty"`
	Old   *Payload  `json:"old,omitempty"`
}

// Record returns the payload to key-match against: New when present,
// otherwise Old.
func (e Event) Record() *Payload {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// ID returns the identifier of the affected record, or "".
func (e Event) ID() string {
	p := e.Record()
	if p == nil {
		return ""
	}
	switch {
	case p.Link != nil:
		return p.Link.ID
	case p.Channel != nil:
		return p.Channel.ID
	case p.Message != nil:
		return p.Message.ID
	case p.Reaction != nil:
		return p.Reaction.ID
	case p.Comment != nil:
		return p.Comment.ID
	}
	return ""
}

// Filter selects the subset of events a subscription receives. Zero values
// match everything; ChannelID and LinkID narrow to one key where the table's
// records carry that key.
type Filter struct {
	Table     Table
	Types     []EventType
	ChannelID string
	LinkID    string
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.Table != "" && ev.Table != f.Table {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	p := ev.Record()
	if f.ChannelID != "" {
		switch {
		case p == nil:
			return false
		case p.Message != nil:
			if p.Message.ChannelID != f.ChannelID {
				return false
			}
		case p.Link != nil:
			if p.Link.ChannelID == nil || *p.Link.ChannelID != f.ChannelID {
				return false
			}
		case p.Channel != nil:
			if p.Channel.ID != f.ChannelID {
				return false
			}
		default:
			return false
		}
	}
	if f.LinkID != "" {
		switch {
		case p == nil:
			return false
		case p.Link != nil:
			if p.Link.ID != f.LinkID {
				return false
			}
		case p.Message != nil:
			if p.Message.SharedLinkID == nil || *p.Message.SharedLinkID != f.LinkID {
				return false
			}
		case p.Reaction != nil:
			if p.Reaction.SharedLinkID != f.LinkID {
				return false
			}
		case p.Comment != nil:
			if p.Comment.SharedLinkID != f.LinkID {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Publisher pushes events into the feed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription delivers filtered events until closed. A response arriving
// after Close is dropped, never delivered on a closed channel.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Feed is a full transport: publish plus subscribe.
type Feed interface {
	Publisher
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
}

// LinkEvent builds a shared_links event.
func LinkEvent(typ EventType, newRec, oldRec *domain.SharedLink) Event {
	ev := Event{Type: typ, Table: TableSharedLinks}
	if newRec != nil {
		ev.New = &Payload{Link: newRec}
	}
	if oldRec != nil {
		ev.Old = &Payload{Link: oldRec}
	}
	return ev
}

// ChannelEvent builds a channels event.
func ChannelEvent(typ EventType, newRec, oldRec *domain.Channel) Event {
	ev := Event{Type: typ, Table: TableChannels}
	if newRec != nil {
		ev.New = &Payload{Channel: newRec}
	}
	if oldRec != nil {
		ev.Old = &Payload{Channel: oldRec}
	}
	return ev
}

// MessageEvent builds a conversations event.
func MessageEvent(typ EventType, newRec, oldRec *domain.Message) Event {
	ev := Event{Type: typ, Table: TableConversations}
	if newRec != nil {
		ev.New = &Payload{Message: newRec}
	}
	if oldRec != nil {
		ev.Old = &Payload{Message: oldRec}
	}
	return ev
}

// ReactionEvent builds a reactions event.
func ReactionEvent(typ EventType, newRec, oldRec *domain.Reaction) Event {
	ev := Event{Type: typ, Table: TableReactions}
	if newRec != nil {
		ev.New = &Payload{Reaction: newRec}
	}
	if oldRec != nil {
		ev.Old = &Payload{Reaction: oldRec}
	}
	return ev
}

// CommentEvent builds a comments event.
func CommentEvent(typ EventType, newRec, oldRec *domain.Comment) Event {
	ev := Event{Type: typ, Table: TableComments}
	if newRec != nil {
		ev.New = &Payload{Comment: newRec}
	}
	if oldRec != nil {
		ev.Old = &Payload{Comment: oldRec}
	}
	return ev
}
