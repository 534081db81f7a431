// Package chat holds a channel's live message list: get-or-create of the
// channel, optimistic sends with draft recovery, body obfuscation and
// reconciliation against the change feed.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"linkshare/internal/security"
	"linkshare/pkg/codec"
	"linkshare/pkg/domain"
	"linkshare/pkg/feed"
	"linkshare/pkg/store"
)

const defaultReloadDelay = 500 * time.Millisecond

// The default landing view is backed by the "general" channel.
const generalChannelName = "general"

var (
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrClosed         = errors.New("chat store is closed")
)

// Snapshot is the view-facing state.
type Snapshot struct {
	ChannelID string
	Messages  []domain.Message
	Loading   bool
	Err       error
}

// Options wires a Store.
type Options struct {
	// LinkID scopes the store to one link's discussion thread.
	LinkID string
	// Security applies rate limits to sends. Optional.
	Security *security.Context
	// ReloadDelay is the pause before the full reload that backfills
	// joined author data after a change event. Zero means the default.
	ReloadDelay time.Duration
}

// Store owns one channel's in-memory message list.
type Store struct {
	backend store.Store
	feed    feed.Feed
	codec   *codec.Codec
	user    domain.Profile
	opts    Options

	mu        sync.Mutex
	channelID string
	messages  []domain.Message
	loading   bool
	err       error
	draft     string
	closed    bool

	sub    feed.Subscription
	done   chan struct{}
	notify chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds a Store. Call Start with the channel's display name.
func New(backend store.Store, fd feed.Feed, cdc *codec.Codec, user domain.Profile, opts Options) *Store {
	if opts.ReloadDelay <= 0 {
		opts.ReloadDelay = defaultReloadDelay
	}
	return &Store{
		backend: backend,
		feed:    fd,
		codec:   cdc,
		user:    user,
		opts:    opts,
		loading: true,
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// NormalizeChannelName maps display names onto stored channel names. The
// aggregate "All Links" view shares the general channel.
func NormalizeChannelName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "All Links" {
		return generalChannelName
	}
	return name
}

// Start resolves the channel by name, creating it when absent, loads its
// messages and subscribes to its conversation events. Safe to call from
// several views concurrently; all resolve to the same channel.
func (s *Store) Start(ctx context.Context, channelName string) error {
	ch, err := s.backend.EnsureChannel(ctx, NormalizeChannelName(channelName))
	if err != nil {
		return fmt.Errorf("ensure channel: %w", err)
	}
	s.mu.Lock()
	s.channelID = ch.ID
	s.mu.Unlock()

	if err := s.Load(ctx); err != nil {
		return err
	}

	sub, err := s.feed.Subscribe(ctx, feed.Filter{
		Table:     feed.TableConversations,
		ChannelID: ch.ID,
	})
	if err != nil {
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	s.sub = sub
	s.wg.Add(1)
	go s.consume(sub)
	return nil
}

// Close tears down the subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	if s.sub != nil {
		_ = s.sub.Close()
	}
	s.wg.Wait()
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ChannelID: s.channelID,
		Messages:  append([]domain.Message(nil), s.messages...),
		Loading:   s.loading,
		Err:       s.err,
	}
}

// Changed signals after state mutations. At most one pending signal is kept.
func (s *Store) Changed() <-chan struct{} {
	return s.notify
}

// Draft returns and clears the text of the last failed send, so the caller
// can restore it to the input field.
func (s *Store) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.draft
	s.draft = ""
	return d
}

// Load fetches the channel's messages oldest first, decoding any body the
// codec recognizes as encoded. On failure prior state is kept.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	channelID := s.channelID
	s.mu.Unlock()

	fetched, err := s.backend.ListMessages(ctx, store.MessageFilter{
		ChannelID: channelID,
		LinkID:    s.opts.LinkID,
	})
	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.err = err
		s.mu.Unlock()
		s.signal()
		return err
	}
	for i := range fetched {
		fetched[i].Body = s.decodeBody(fetched[i].Body)
	}
	s.messages = s.withPendingLocked(fetched)
	s.err = nil
	s.mu.Unlock()
	s.signal()
	return nil
}

// Send appends an optimistic entry, writes the encoded body and reconciles.
// On failure the entry is removed and the text kept for Draft.
func (s *Store) Send(ctx context.Context, body string) (domain.Message, error) {
	clean := security.SanitizeInput(body)
	if clean == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	if len(clean) > security.MaxMessageLength {
		return domain.Message{}, ErrMessageTooLong
	}
	if err := s.opts.Security.Check(security.ActionCreateMessage, s.user.ID); err != nil {
		return domain.Message{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Message{}, ErrClosed
	}
	channelID := s.channelID
	opID := uuid.NewString()
	optimistic := domain.Message{
		ID:          domain.PendingIDPrefix + opID,
		ChannelID:   channelID,
		UserID:      s.user.ID,
		Body:        clean,
		CreatedAt:   s.now().UTC(),
		OpID:        opID,
		AuthorName:  s.user.Username,
		AuthorEmail: s.user.Email,
		Pending:     true,
	}
	if s.opts.LinkID != "" {
		linkID := s.opts.LinkID
		optimistic.SharedLinkID = &linkID
	}
	s.messages = append(s.messages, optimistic)
	s.mu.Unlock()
	s.signal()

	record := optimistic
	record.ID = ""
	record.Body = s.codec.Encode(clean)
	record.Pending = false
	confirmed, err := s.backend.InsertMessage(ctx, record)
	if err != nil {
		s.rollback(optimistic.ID, clean)
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}

	confirmed.Body = clean
	confirmed.AuthorName = s.user.Username
	confirmed.AuthorEmail = s.user.Email
	s.replaceByOpID(opID, confirmed)
	return confirmed, nil
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

// reconcile applies one conversation event. Inserts append unless the entry
// is already known through the optimistic path; every event also schedules a
// delayed reload to backfill joined author data.
func (s *Store) reconcile(ev feed.Event) {
	if ev.Type == feed.EventInsert {
		if p := ev.Record(); p != nil && p.Message != nil {
			s.appendIfUnknown(*p.Message)
		}
	}
	s.reloadAfter(s.opts.ReloadDelay)
}

func (s *Store) appendIfUnknown(msg domain.Message) {
	if s.opts.LinkID != "" && (msg.SharedLinkID == nil || *msg.SharedLinkID != s.opts.LinkID) {
		return
	}
	s.mu.Lock()
	for _, m := range s.messages {
		if m.ID == msg.ID || (msg.OpID != "" && m.OpID == msg.OpID) {
			s.mu.Unlock()
			return
		}
	}
	msg.Body = s.decodeBody(msg.Body)
	msg.Pending = false
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.signal()
}

func (s *Store) reloadAfter(delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Load(ctx); err != nil {
			slog.Warn("chat: reload after change event failed", "err", err)
		}
	}()
}

func (s *Store) rollback(pendingID, draft string) {
	s.mu.Lock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ID != pendingID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	s.draft = draft
	s.mu.Unlock()
	s.signal()
}

func (s *Store) replaceByOpID(opID string, confirmed domain.Message) {
	s.mu.Lock()
	for i, m := range s.messages {
		if m.OpID == opID {
			s.messages[i] = confirmed
			break
		}
	}
	s.mu.Unlock()
	s.signal()
}

// withPendingLocked appends optimistic entries not yet visible in a reload.
func (s *Store) withPendingLocked(fetched []domain.Message) []domain.Message {
	for _, m := range s.messages {
		if !m.Pending {
			continue
		}
		known := false
		for _, f := range fetched {
			if f.OpID != "" && f.OpID == m.OpID {
				known = true
				break
			}
		}
		if !known {
			fetched = append(fetched, m)
		}
	}
	return fetched
}

func (s *Store) decodeBody(body string) string {
	if s.codec == nil || !s.codec.LooksEncoded(body) {
		return body
	}
	return s.codec.Decode(body)
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
