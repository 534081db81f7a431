// Package links holds the live list of shared links for one view: initial
// load, optimistic creation, read/delete mutations and reconciliation
// against the change feed.
package links

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"linkshare/internal/directory"
	"linkshare/internal/security"
	"linkshare/pkg/domain"
	"linkshare/pkg/feed"
	"linkshare/pkg/store"
)

var (
	ErrMissingFields = errors.New("url, receiver and channel are required")
	ErrNotSender     = errors.New("only the sender can delete a link")
	ErrClosed        = errors.New("link store is closed")
)

// Snapshot is the view-facing state.
type Snapshot struct {
	Links   []domain.SharedLink
	Loading bool
	Err     error
}

// Options scopes and wires a Store.
type Options struct {
	// ChannelID limits the list to one channel when set.
	ChannelID string
	// Directory resolves the receiver's display name for optimistic
	// entries. Optional; absent, optimistic entries show "Unknown".
	Directory directory.Directory
	// Security applies rate limits to mutations. Optional.
	Security *security.Context
}

// Store owns the in-memory link list. The backing store remains the system
// of record; this list is a reconciled view of it.
type Store struct {
	backend store.Store
	feed    feed.Feed
	user    domain.Profile
	opts    Options

	mu      sync.Mutex
	links   []domain.SharedLink
	loading bool
	err     error
	closed  bool

	subs   []feed.Subscription
	done   chan struct{}
	notify chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds a Store for the given user. Call Start to load and subscribe.
func New(backend store.Store, fd feed.Feed, user domain.Profile, opts Options) *Store {
	return &Store{
		backend: backend,
		feed:    fd,
		user:    user,
		opts:    opts,
		loading: true,
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Start performs the initial load and subscribes to change events for
// links, link-scoped conversation entries and reactions.
func (s *Store) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	filters := []feed.Filter{
		{Table: feed.TableSharedLinks, ChannelID: s.opts.ChannelID},
		{Table: feed.TableConversations},
		{Table: feed.TableReactions},
	}
	for _, f := range filters {
		sub, err := s.feed.Subscribe(ctx, f)
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", f.Table, err)
		}
		s.subs = append(s.subs, sub)
		s.wg.Add(1)
		go s.consume(sub)
	}
	return nil
}

// Close tears down subscriptions. Events arriving afterwards are dropped.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	for _, sub := range s.subs {
		_ = sub.Close()
	}
	s.wg.Wait()
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Links:   append([]domain.SharedLink(nil), s.links...),
		Loading: s.loading,
		Err:     s.err,
	}
}

// Changed signals after state mutations. At most one pending signal is kept.
func (s *Store) Changed() <-chan struct{} {
	return s.notify
}

// Load fetches the list from the backing store. On failure the previous
// list is kept and the error recorded in the snapshot.
func (s *Store) Load(ctx context.Context) error {
	fetched, err := s.backend.ListLinks(ctx, store.LinkFilter{ChannelID: s.opts.ChannelID})
	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.err = err
		s.mu.Unlock()
		s.signal()
		return err
	}
	pending := s.pendingLocked(fetched)
	s.links = append(pending, fetched...)
	s.err = nil
	s.mu.Unlock()
	s.signal()
	return nil
}

// Create validates the draft, applies an optimistic entry and writes the
// link. The optimistic entry is replaced in place on success and removed on
// failure.
func (s *Store) Create(ctx context.Context, draft domain.LinkDraft) (domain.SharedLink, error) {
	url := strings.TrimSpace(draft.URL)
	receiver := strings.TrimSpace(draft.Receiver)
	channelID := strings.TrimSpace(draft.ChannelID)
	if url == "" || receiver == "" || channelID == "" {
		return domain.SharedLink{}, ErrMissingFields
	}
	if err := security.ValidateURL(url); err != nil {
		return domain.SharedLink{}, err
	}
	if err := s.opts.Security.Check(security.ActionCreateLink, s.user.ID); err != nil {
		return domain.SharedLink{}, err
	}

	opID := uuid.NewString()
	now := s.now().UTC()
	unread := false
	optimistic := domain.SharedLink{
		ID:           domain.PendingIDPrefix + opID,
		URL:          url,
		Sender:       s.user.ID,
		Receiver:     receiver,
		ChannelID:    &channelID,
		Tags:         draft.Tags,
		IsRead:       &unread,
		CreatedAt:    &now,
		OpID:         opID,
		SenderName:   s.user.Username,
		ReceiverName: s.lookupName(ctx, receiver),
		Pending:      true,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.SharedLink{}, ErrClosed
	}
	s.links = append([]domain.SharedLink{optimistic}, s.links...)
	s.mu.Unlock()
	s.signal()

	confirmed, err := s.backend.InsertLink(ctx, domain.SharedLink{
		URL:       url,
		Sender:    s.user.ID,
		Receiver:  receiver,
		ChannelID: &channelID,
		Tags:      draft.Tags,
		IsRead:    &unread,
		OpID:      opID,
	})
	if err != nil {
		s.removeByID(optimistic.ID)
		return domain.SharedLink{}, fmt.Errorf("create link: %w", err)
	}

	confirmed.SenderName = optimistic.SenderName
	confirmed.ReceiverName = optimistic.ReceiverName
	s.replaceByOpID(opID, confirmed)
	return confirmed, nil
}

// MarkRead marks a link read. It is a no-op when the caller is the link's
// sender or the link is already read.
func (s *Store) MarkRead(ctx context.Context, linkID string) error {
	s.mu.Lock()
	for _, l := range s.links {
		if l.ID != linkID {
			continue
		}
		if l.Sender == s.user.ID || (l.IsRead != nil && *l.IsRead) {
			s.mu.Unlock()
			return nil
		}
		break
	}
	s.mu.Unlock()
	if err := s.backend.MarkLinkRead(ctx, linkID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	s.patchRead(linkID)
	return nil
}

// Delete removes a link. Only the sender may delete. The local entry is
// removed once the backing store confirms; the change feed covers other
// views.
func (s *Store) Delete(ctx context.Context, linkID string) error {
	s.mu.Lock()
	for _, l := range s.links {
		if l.ID == linkID && l.Sender != s.user.ID {
			s.mu.Unlock()
			return ErrNotSender
		}
	}
	s.mu.Unlock()
	if err := s.backend.DeleteLink(ctx, linkID); err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	s.removeByID(linkID)
	return nil
}

// Received returns links addressed to the current user.
func (s *Store) Received() []domain.SharedLink {
	return s.filter(func(l domain.SharedLink) bool { return l.Receiver == s.user.ID })
}

// Sent returns links the current user shared.
func (s *Store) Sent() []domain.SharedLink {
	return s.filter(func(l domain.SharedLink) bool { return l.Sender == s.user.ID })
}

func (s *Store) filter(keep func(domain.SharedLink) bool) []domain.SharedLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SharedLink, 0, len(s.links))
	for _, l := range s.links {
		if keep(l) {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) consume(sub feed.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.reconcile(ev)
		}
	}
}

// reconcile merges one change event. Link inserts matching a local entry by
// idempotency token or id are merged in place; unknown inserts and anything
// needing joined display names trigger a reload. Events on link-scoped
// conversation entries and reactions always reload, since they change
// derived state this list renders.
func (s *Store) reconcile(ev feed.Event) {
	switch ev.Table {
	case feed.TableSharedLinks:
		s.reconcileLink(ev)
	case feed.TableConversations:
		if msg := ev.Record(); msg != nil && msg.Message != nil && msg.Message.SharedLinkID != nil {
			s.reload()
		}
	case feed.TableReactions:
		s.reload()
	}
}

func (s *Store) reconcileLink(ev feed.Event) {
	switch ev.Type {
	case feed.EventInsert:
		link := ev.Record()
		if link == nil || link.Link == nil {
			return
		}
		if s.mergeInsert(*link.Link) {
			return
		}
		s.reload()
	case feed.EventUpdate:
		link := ev.Record()
		if link == nil || link.Link == nil || !s.patchLink(*link.Link) {
			s.reload()
		}
	case feed.EventDelete:
		if old := ev.Record(); old != nil && old.Link != nil {
			s.removeByID(old.Link.ID)
		}
	}
}

// mergeInsert replaces a local entry matching the inserted link by OpID or
// id, keeping its position and display names. Returns false when the link
// is unknown locally.
func (s *Store) mergeInsert(link domain.SharedLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.links {
		matched := l.ID == link.ID || (link.OpID != "" && l.OpID == link.OpID)
		if !matched {
			continue
		}
		link.SenderName = l.SenderName
		link.ReceiverName = l.ReceiverName
		link.Pending = false
		s.links[i] = link
		s.signalLocked()
		return true
	}
	return false
}

func (s *Store) patchLink(link domain.SharedLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.links {
		if l.ID != link.ID {
			continue
		}
		if link.IsRead != nil {
			s.links[i].IsRead = link.IsRead
		}
		s.signalLocked()
		return true
	}
	return false
}

func (s *Store) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Load(ctx); err != nil {
		slog.Warn("links: reload after change event failed", "err", err)
	}
}

func (s *Store) patchRead(linkID string) {
	s.mu.Lock()
	for i, l := range s.links {
		if l.ID == linkID {
			read := true
			s.links[i].IsRead = &read
			break
		}
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Store) removeByID(id string) {
	s.mu.Lock()
	kept := s.links[:0]
	for _, l := range s.links {
		if l.ID != id {
			kept = append(kept, l)
		}
	}
	s.links = kept
	s.mu.Unlock()
	s.signal()
}

func (s *Store) replaceByOpID(opID string, confirmed domain.SharedLink) {
	s.mu.Lock()
	replaced := false
	for i, l := range s.links {
		if l.OpID == opID {
			confirmed.Pending = false
			s.links[i] = confirmed
			replaced = true
			break
		}
	}
	if !replaced {
		// The feed insert may have merged first; nothing to do.
		sortLinks(s.links)
	}
	s.mu.Unlock()
	s.signal()
}

// pendingLocked returns optimistic entries not yet visible in fetched, so a
// reload neither drops an in-flight create nor duplicates one the fetch
// already saw under its committed id.
func (s *Store) pendingLocked(fetched []domain.SharedLink) []domain.SharedLink {
	var out []domain.SharedLink
	for _, l := range s.links {
		if !l.Pending {
			continue
		}
		known := false
		for _, f := range fetched {
			if f.ID == l.ID || (f.OpID != "" && f.OpID == l.OpID) {
				known = true
				break
			}
		}
		if !known {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) lookupName(ctx context.Context, userID string) string {
	if s.opts.Directory == nil {
		return "Unknown"
	}
	id, err := s.opts.Directory.Lookup(ctx, userID)
	if err != nil {
		return "Unknown"
	}
	return id.DisplayName
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// signalLocked is safe while holding mu; the notify channel is buffered and
// never blocks.
func (s *Store) signalLocked() {
	s.signal()
}

func sortLinks(links []domain.SharedLink) {
	sort.SliceStable(links, func(i, j int) bool {
		ti, tj := linkTime(links[i]), linkTime(links[j])
		return ti.After(tj)
	})
}

func linkTime(l domain.SharedLink) time.Time {
	if l.CreatedAt == nil {
		return time.Time{}
	}
	return *l.CreatedAt
}
