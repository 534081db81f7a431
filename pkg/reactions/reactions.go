// Package reactions holds one link's emoji reactions with toggle-by-presence
// semantics and a grouped view for display.
package reactions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"linkshare/internal/security"
	"linkshare/pkg/domain"
	"linkshare/pkg/feed"
	"linkshare/pkg/store"
)

// Options wires a Store.
type Options struct {
	// Security applies rate limits to toggles. Optional.
	Security *security.Context
}

// Store owns one link's in-memory reaction list.
type Store struct {
	backend store.Store
	feed    feed.Feed
	user    domain.Profile
	linkID  string
	opts    Options

	mu        sync.Mutex
	reactions []domain.Reaction
	closed    bool

	sub    feed.Subscription
	done   chan struct{}
	notify chan struct{}
	wg     sync.WaitGroup
}

// New builds a Store for one link. Call Start to load and subscribe.
func New(backend store.Store, fd feed.Feed, user domain.Profile, linkID string, opts Options) *Store {
	return &Store{
		backend: backend,
		feed:    fd,
		user:    user,
		linkID:  linkID,
		opts:    opts,
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Start loads the reaction list and subscribes to the link's reaction
// events. Any event reloads the list.
func (s *Store) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	sub, err := s.feed.Subscribe(ctx, feed.Filter{
		Table:  feed.TableReactions,
		LinkID: s.linkID,
	})
	if err != nil {
		return fmt.Errorf("subscribe reactions: %w", err)
	}
	s.sub = sub
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case _, ok := <-sub.Events():
				if !ok {
					return
				}
				s.reload()
			}
		}
	}()
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

// Load fetches the link's reactions.
func (s *Store) Load(ctx context.Context) error {
	fetched, err := s.backend.ListReactions(ctx, s.linkID)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	s.mu.Lock()
	s.reactions = fetched
	s.mu.Unlock()
	s.signal()
	return nil
}

// List returns a copy of the current reactions.
func (s *Store) List() []domain.Reaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Reaction(nil), s.reactions...)
}

// Changed signals after state mutations. At most one pending signal is kept.
func (s *Store) Changed() <-chan struct{} {
	return s.notify
}

// Toggle inserts the current user's reaction when absent and deletes it when
// present. The decision reads the locally cached list, so interleaved
// toggles from two sessions can momentarily duplicate; the feed reload
// converges the view.
func (s *Store) Toggle(ctx context.Context, emoji string) error {
	if err := security.ValidateEmoji(emoji); err != nil {
		return err
	}
	if err := s.opts.Security.Check(security.ActionCreateReaction, s.user.ID); err != nil {
		return err
	}

	s.mu.Lock()
	var existing *domain.Reaction
	for i := range s.reactions {
		if s.reactions[i].UserID == s.user.ID && s.reactions[i].Emoji == emoji {
			existing = &s.reactions[i]
			break
		}
	}
	var existingID string
	if existing != nil {
		existingID = existing.ID
	}
	s.mu.Unlock()

	if existingID != "" {
		if err := s.backend.DeleteReaction(ctx, existingID, s.user.ID); err != nil {
			return fmt.Errorf("remove reaction: %w", err)
		}
	} else {
		_, err := s.backend.InsertReaction(ctx, domain.Reaction{
			SharedLinkID: s.linkID,
			UserID:       s.user.ID,
			Emoji:        emoji,
		})
		if err != nil {
			return fmt.Errorf("add reaction: %w", err)
		}
	}
	return s.Load(ctx)
}

// Grouped returns reactions grouped by emoji in picker order, with the
// count, the reactor ids and whether the current user is among them.
func (s *Store) Grouped() []domain.ReactionGroup {
	s.mu.Lock()
	defer s.mu.Unlock()

	byEmoji := make(map[string]*domain.ReactionGroup)
	for _, r := range s.reactions {
		g, ok := byEmoji[r.Emoji]
		if !ok {
			g = &domain.ReactionGroup{Emoji: r.Emoji}
			byEmoji[r.Emoji] = g
		}
		g.Count++
		g.Users = append(g.Users, r.UserID)
		if r.UserID == s.user.ID {
			g.Reacted = true
		}
	}

	out := make([]domain.ReactionGroup, 0, len(byEmoji))
	for _, emoji := range security.AllowedEmojis {
		if g, ok := byEmoji[emoji]; ok {
			out = append(out, *g)
		}
	}
	return out
}

func (s *Store) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Load(ctx); err != nil {
		slog.Warn("reactions: reload after change event failed", "err", err, "link_id", s.linkID)
	}
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
