package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"linkshare/pkg/domain"
)

func TestRedisFeedPublishSubscribe(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	f, err := NewRedisFeed(redisSrv.Addr(), "", "test:feed")
	if err != nil {
		t.Fatalf("new redis feed: %v", err)
	}
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, Filter{Table: TableConversations, ChannelID: "c1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	msg := &domain.Message{ID: "m1", ChannelID: "c1", UserID: "u1", Body: "hello", CreatedAt: time.Now().UTC()}
	if err := f.Publish(ctx, MessageEvent(EventInsert, msg, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Event for another channel must be filtered out subscriber-side.
	other := &domain.Message{ID: "m2", ChannelID: "c2", UserID: "u1", Body: "nope"}
	if err := f.Publish(ctx, MessageEvent(EventInsert, other, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := recvEvent(t, sub)
	if got.Type != EventInsert || got.Table != TableConversations {
		t.Fatalf("unexpected event envelope: %+v", got)
	}
	if got.New == nil || got.New.Message == nil || got.New.Message.Body != "hello" {
		t.Fatalf("payload did not survive the wire: %+v", got.New)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("received event for foreign channel: %s", ev.ID())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisFeedPatternSubscribeSeesAllTables(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	f, err := NewRedisFeed(redisSrv.Addr(), "", "test:feed")
	if err != nil {
		t.Fatalf("new redis feed: %v", err)
	}
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := f.Publish(ctx, ChannelEvent(EventInsert, &domain.Channel{ID: "c1", Name: "general"}, nil)); err != nil {
		t.Fatalf("publish channel event: %v", err)
	}
	if err := f.Publish(ctx, ReactionEvent(EventDelete, nil, &domain.Reaction{ID: "r1", SharedLinkID: "l1"})); err != nil {
		t.Fatalf("publish reaction event: %v", err)
	}

	seen := map[Table]bool{}
	for i := 0; i < 2; i++ {
		ev := recvEvent(t, sub)
		seen[ev.Table] = true
	}
	if !seen[TableChannels] || !seen[TableReactions] {
		t.Fatalf("pattern subscription missed tables: %+v", seen)
	}
}
