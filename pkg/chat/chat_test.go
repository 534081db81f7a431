package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linkshare/pkg/codec"
	"linkshare/pkg/domain"
	"linkshare/pkg/feed"
	"linkshare/pkg/store"
)

type failingStore struct {
	store.Store
	failInsert bool
}

func (f *failingStore) InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	if f.failInsert {
		return domain.Message{}, errors.New("backend unavailable")
	}
	return f.Store.InsertMessage(ctx, m)
}

func fixedCodec() *codec.Codec {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return codec.NewWithClock(func() time.Time { return at })
}

func newFixture(t *testing.T) (*store.MemoryStore, *feed.MemoryFeed, domain.Profile) {
	t.Helper()
	fd := feed.NewMemoryFeed()
	ms := store.NewMemoryStore(fd)
	ctx := context.Background()
	for _, p := range []domain.Profile{
		{ID: "u1", Username: "alice", Email: "alice@example.com"},
		{ID: "u2", Username: "bob", Email: "bob@example.com"},
	} {
		if err := ms.SaveProfile(ctx, p); err != nil {
			t.Fatalf("save profile: %v", err)
		}
	}
	return ms, fd, domain.Profile{ID: "u1", Username: "alice", Email: "alice@example.com"}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestNormalizeChannelName(t *testing.T) {
	if got := NormalizeChannelName("All Links"); got != "general" {
		t.Fatalf("All Links -> %q", got)
	}
	if got := NormalizeChannelName(""); got != "general" {
		t.Fatalf("empty -> %q", got)
	}
	if got := NormalizeChannelName("random"); got != "random" {
		t.Fatalf("random -> %q", got)
	}
}

func TestStartConcurrentResolvesOneChannel(t *testing.T) {
	ms, fd, user := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	stores := make([]*Store, 4)
	for i := range stores {
		stores[i] = New(ms, fd, fixedCodec(), user, Options{ReloadDelay: 10 * time.Millisecond})
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			if err := s.Start(ctx, "general"); err != nil {
				t.Errorf("start: %v", err)
			}
		}(stores[i])
	}
	wg.Wait()
	defer func() {
		for _, s := range stores {
			s.Close()
		}
	}()

	first := stores[0].Snapshot().ChannelID
	for _, s := range stores[1:] {
		if s.Snapshot().ChannelID != first {
			t.Fatalf("stores resolved different channels: %s vs %s", first, s.Snapshot().ChannelID)
		}
	}
	channels, err := ms.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(channels))
	}
}

func TestSendConfirmsAndDecodes(t *testing.T) {
	ms, fd, user := newFixture(t)
	ctx := context.Background()

	s := New(ms, fd, fixedCodec(), user, Options{ReloadDelay: 10 * time.Millisecond})
	if err := s.Start(ctx, "general"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	confirmed, err := s.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if confirmed.Pending {
		t.Fatal("confirmed message still pending")
	}
	if confirmed.Body != "hello" {
		t.Fatalf("confirmed body = %q", confirmed.Body)
	}

	// At rest the body is obfuscated.
	stored, err := ms.ListMessages(ctx, store.MessageFilter{ChannelID: s.Snapshot().ChannelID})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(stored))
	}
	if stored[0].Body == "hello" {
		t.Fatal("stored body should be encoded")
	}

	// The view sees plaintext, author identity and no pending marker, also
	// after the delayed reload lands.
	waitFor(t, func() bool {
		msgs := s.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Body == "hello" && !msgs[0].Pending && msgs[0].AuthorName == "alice"
	})
}

func TestSendFailureRestoresDraft(t *testing.T) {
	ms, fd, user := newFixture(t)
	ctx := context.Background()

	backend := &failingStore{Store: ms, failInsert: true}
	s := New(backend, fd, fixedCodec(), user, Options{ReloadDelay: 10 * time.Millisecond})
	if err := s.Start(ctx, "general"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	if _, err := s.Send(ctx, "precious words"); err == nil {
		t.Fatal("expected send failure")
	}
	if got := len(s.Snapshot().Messages); got != 0 {
		t.Fatalf("expected optimistic entry removed, %d left", got)
	}
	if draft := s.Draft(); draft != "precious words" {
		t.Fatalf("draft = %q, want the failed text", draft)
	}
	if draft := s.Draft(); draft != "" {
		t.Fatalf("draft should be cleared after recovery, got %q", draft)
	}
}

func TestSendValidation(t *testing.T) {
	ms, fd, user := newFixture(t)
	ctx := context.Background()

	s := New(ms, fd, fixedCodec(), user, Options{ReloadDelay: 10 * time.Millisecond})
	if err := s.Start(ctx, "general"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	if _, err := s.Send(ctx, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := s.Send(ctx, "<script>alert(1)</script>"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected sanitized-to-empty rejection, got %v", err)
	}
}

func TestRemoteInsertAppendsOnce(t *testing.T) {
	ms, fd, user := newFixture(t)
	ctx := context.Background()

	cdc := fixedCodec()
	s := New(ms, fd, cdc, user, Options{ReloadDelay: 10 * time.Millisecond})
	if err := s.Start(ctx, "general"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	channelID := s.Snapshot().ChannelID

	// Another session writes directly; the feed insert should surface it
	// decoded, exactly once.
	if _, err := ms.InsertMessage(ctx, domain.Message{
		ChannelID: channelID,
		UserID:    "u2",
		Body:      cdc.Encode("from bob"),
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	waitFor(t, func() bool {
		msgs := s.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Body == "from bob"
	})
	// Give the delayed reload a chance to double-append if it were buggy.
	time.Sleep(50 * time.Millisecond)
	if got := len(s.Snapshot().Messages); got != 1 {
		t.Fatalf("expected exactly 1 message, got %d", got)
	}
}

func TestThreadScopedStoreFiltersByLink(t *testing.T) {
	ms, fd, user := newFixture(t)
	ctx := context.Background()

	link, err := ms.InsertLink(ctx, domain.SharedLink{URL: "https://x.example", Sender: "u1", Receiver: "u2"})
	if err != nil {
		t.Fatalf("insert link: %v", err)
	}
	s := New(ms, fd, fixedCodec(), user, Options{LinkID: link.ID, ReloadDelay: 10 * time.Millisecond})
	if err := s.Start(ctx, "general"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	channelID := s.Snapshot().ChannelID

	if _, err := ms.InsertMessage(ctx, domain.Message{ChannelID: channelID, UserID: "u2", Body: "channel level"}); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if _, err := s.Send(ctx, "thread level"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool {
		msgs := s.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Body == "thread level"
	})
}
