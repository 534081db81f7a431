package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"linkshare/pkg/domain"
	"linkshare/pkg/feed"
)

// MemoryStore keeps the data model in-process. It mirrors GormStore's
// semantics, including channel-name uniqueness and change-event publication,
// and backs unit tests and single-process runs.
type MemoryStore struct {
	mu        sync.RWMutex
	pub       feed.Publisher
	profiles  map[string]domain.Profile
	channels  map[string]domain.Channel // keyed by id
	links     map[string]domain.SharedLink
	messages  map[string]domain.Message
	reactions map[string]domain.Reaction
	comments  map[string]domain.Comment
	files     map[string]domain.FileRecord
}

// NewMemoryStore initializes an empty in-memory store. A nil publisher
// disables change events.
func NewMemoryStore(pub feed.Publisher) *MemoryStore {
	return &MemoryStore{
		pub:       pub,
		profiles:  make(map[string]domain.Profile),
		channels:  make(map[string]domain.Channel),
		links:     make(map[string]domain.SharedLink),
		messages:  make(map[string]domain.Message),
		reactions: make(map[string]domain.Reaction),
		comments:  make(map[string]domain.Comment),
		files:     make(map[string]domain.FileRecord),
	}
}

func (m *MemoryStore) publish(ctx context.Context, ev feed.Event) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(ctx, ev); err != nil {
		slog.Warn("store: publish change event failed", "table", ev.Table, "type", ev.Type, "err", err)
	}
}

// SaveProfile inserts or updates a profile.
func (m *MemoryStore) SaveProfile(_ context.Context, p domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.profiles[p.ID] = p
	return nil
}

// GetProfile retrieves a profile by id.
func (m *MemoryStore) GetProfile(_ context.Context, id string) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok, nil
}

// GetProfileByEmail retrieves a profile by email.
func (m *MemoryStore) GetProfileByEmail(_ context.Context, email string) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if p.Email == email {
			return p, true, nil
		}
	}
	return domain.Profile{}, false, nil
}

// ListProfiles returns all profiles ordered by username.
func (m *MemoryStore) ListProfiles(_ context.Context) ([]domain.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Username < res[j].Username })
	return res, nil
}

// EnsureChannel returns the channel with the given name, creating it when
// absent. Safe for concurrent callers; exactly one channel per name exists
// afterwards and losers resolve to it.
func (m *MemoryStore) EnsureChannel(ctx context.Context, name string) (domain.Channel, error) {
	m.mu.Lock()
	for _, ch := range m.channels {
		if ch.Name == name {
			m.mu.Unlock()
			return ch, nil
		}
	}
	ch := domain.Channel{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	m.channels[ch.ID] = ch
	m.mu.Unlock()
	m.publish(ctx, feed.ChannelEvent(feed.EventInsert, &ch, nil))
	return ch, nil
}

// GetChannelByName looks a channel up by exact name.
func (m *MemoryStore) GetChannelByName(_ context.Context, name string) (domain.Channel, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if ch.Name == name {
			return ch, true, nil
		}
	}
	return domain.Channel{}, false, nil
}

// ListChannels returns all channels ordered by name.
func (m *MemoryStore) ListChannels(_ context.Context) ([]domain.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		res = append(res, ch)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// ListLinks returns links newest first with display names joined in.
func (m *MemoryStore) ListLinks(_ context.Context, f LinkFilter) ([]domain.SharedLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.SharedLink, 0, len(m.links))
	for _, l := range m.links {
		if f.ChannelID != "" && (l.ChannelID == nil || *l.ChannelID != f.ChannelID) {
			continue
		}
		l.SenderName = m.usernameLocked(l.Sender)
		l.ReceiverName = m.usernameLocked(l.Receiver)
		res = append(res, l)
	}
	sort.Slice(res, func(i, j int) bool {
		ti, tj := linkTime(res[i]), linkTime(res[j])
		if ti.Equal(tj) {
			return res[i].ID > res[j].ID
		}
		return ti.After(tj)
	})
	return res, nil
}

// GetLink retrieves one link.
func (m *MemoryStore) GetLink(_ context.Context, id string) (domain.SharedLink, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[id]
	return l, ok, nil
}

// InsertLink stores a new link and publishes the insert.
func (m *MemoryStore) InsertLink(ctx context.Context, l domain.SharedLink) (domain.SharedLink, error) {
	m.mu.Lock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt == nil {
		now := time.Now().UTC()
		l.CreatedAt = &now
	}
	l.Pending = false
	m.links[l.ID] = l
	m.mu.Unlock()
	m.publish(ctx, feed.LinkEvent(feed.EventInsert, &l, nil))
	return l, nil
}

// MarkLinkRead flips is_read to true and publishes the patch.
func (m *MemoryStore) MarkLinkRead(ctx context.Context, id string) error {
	m.mu.Lock()
	l, ok := m.links[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	read := true
	l.IsRead = &read
	m.links[id] = l
	m.mu.Unlock()
	m.publish(ctx, feed.LinkEvent(feed.EventUpdate, &l, nil))
	return nil
}

// DeleteLink removes the link and everything hanging off it.
func (m *MemoryStore) DeleteLink(ctx context.Context, id string) error {
	m.mu.Lock()
	old, ok := m.links[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.links, id)
	for rid, r := range m.reactions {
		if r.SharedLinkID == id {
			delete(m.reactions, rid)
		}
	}
	for mid, msg := range m.messages {
		if msg.SharedLinkID != nil && *msg.SharedLinkID == id {
			delete(m.messages, mid)
		}
	}
	for cid, c := range m.comments {
		if c.SharedLinkID == id {
			delete(m.comments, cid)
		}
	}
	for fid, f := range m.files {
		if f.SharedLinkID == id {
			delete(m.files, fid)
		}
	}
	m.mu.Unlock()
	m.publish(ctx, feed.LinkEvent(feed.EventDelete, nil, &old))
	return nil
}

// ListMessages returns a channel's messages oldest first, optionally scoped
// to a link's thread, with author identity joined in.
func (m *MemoryStore) ListMessages(_ context.Context, f MessageFilter) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if msg.ChannelID != f.ChannelID {
			continue
		}
		if f.LinkID != "" && (msg.SharedLinkID == nil || *msg.SharedLinkID != f.LinkID) {
			continue
		}
		if p, ok := m.profiles[msg.UserID]; ok {
			msg.AuthorName = p.Username
			msg.AuthorEmail = p.Email
		}
		res = append(res, msg)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// InsertMessage stores a conversation entry and publishes the insert.
func (m *MemoryStore) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Pending = false
	m.messages[msg.ID] = msg
	m.mu.Unlock()
	m.publish(ctx, feed.MessageEvent(feed.EventInsert, &msg, nil))
	return msg, nil
}

// DeleteMessage removes one conversation entry.
func (m *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	old, ok := m.messages[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.messages, id)
	m.mu.Unlock()
	m.publish(ctx, feed.MessageEvent(feed.EventDelete, nil, &old))
	return nil
}

// ListReactions returns a link's reactions oldest first.
func (m *MemoryStore) ListReactions(_ context.Context, linkID string) ([]domain.Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Reaction, 0)
	for _, r := range m.reactions {
		if r.SharedLinkID == linkID {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// InsertReaction stores a reaction and publishes the insert. No uniqueness
// beyond the caller's toggle logic, matching the system of record.
func (m *MemoryStore) InsertReaction(ctx context.Context, r domain.Reaction) (domain.Reaction, error) {
	m.mu.Lock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.reactions[r.ID] = r
	m.mu.Unlock()
	m.publish(ctx, feed.ReactionEvent(feed.EventInsert, &r, nil))
	return r, nil
}

// DeleteReaction removes a reaction, but only for its author.
func (m *MemoryStore) DeleteReaction(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	old, ok := m.reactions[id]
	if !ok || old.UserID != userID {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.reactions, id)
	m.mu.Unlock()
	m.publish(ctx, feed.ReactionEvent(feed.EventDelete, nil, &old))
	return nil
}

// ListComments returns a link's comments oldest first with author names.
func (m *MemoryStore) ListComments(_ context.Context, linkID string) ([]domain.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Comment, 0)
	for _, c := range m.comments {
		if c.SharedLinkID != linkID {
			continue
		}
		c.AuthorName = m.usernameLocked(c.UserID)
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// InsertComment stores a comment and publishes the insert.
func (m *MemoryStore) InsertComment(ctx context.Context, c domain.Comment) (domain.Comment, error) {
	m.mu.Lock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.comments[c.ID] = c
	m.mu.Unlock()
	m.publish(ctx, feed.CommentEvent(feed.EventInsert, &c, nil))
	return c, nil
}

// ListFiles returns attachment metadata for a link.
func (m *MemoryStore) ListFiles(_ context.Context, linkID string) ([]domain.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.FileRecord, 0)
	for _, f := range m.files {
		if f.SharedLinkID == linkID {
			res = append(res, f)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// InsertFile stores attachment metadata.
func (m *MemoryStore) InsertFile(_ context.Context, f domain.FileRecord) (domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	m.files[f.ID] = f
	return f, nil
}

func (m *MemoryStore) usernameLocked(id string) string {
	if p, ok := m.profiles[id]; ok && p.Username != "" {
		return p.Username
	}
	return "Unknown"
}

func linkTime(l domain.SharedLink) time.Time {
	if l.CreatedAt == nil {
		return time.Time{}
	}
	return *l.CreatedAt
}
