package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"linkshare/internal/ratelimit"
	"linkshare/internal/security"
	"linkshare/internal/session"
	"linkshare/pkg/auth"
	"linkshare/pkg/codec"
	"linkshare/pkg/domain"
	"linkshare/pkg/feed"
	"linkshare/pkg/storage"
	"linkshare/pkg/store"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	store   *store.MemoryStore
	objects *storage.MemoryObjectStore
	codec   *codec.Codec
	tokens  map[string]string // user id -> bearer token
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fd := feed.NewMemoryFeed()
	ms := store.NewMemoryStore(fd)
	objects := storage.NewMemoryObjectStore()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cdc := codec.NewWithClock(func() time.Time { return at })

	sessions, err := session.NewManager([]byte("test-secret"), time.Hour, session.NewMemoryTokenRevoker(), session.Options{})
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}

	srv, err := New(Config{
		Store:    ms,
		Feed:     fd,
		Codec:    cdc,
		Sessions: sessions,
		Objects:  objects,
		Security: security.NewContext(map[security.Action]ratelimit.Limiter{
			security.ActionCreateLink:     ratelimit.NewSlidingWindowLimiter(20, time.Minute),
			security.ActionCreateMessage:  ratelimit.NewSlidingWindowLimiter(30, time.Minute),
			security.ActionCreateReaction: ratelimit.NewSlidingWindowLimiter(50, time.Minute),
		}),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	env := &testEnv{
		server:  srv,
		handler: srv.Router(),
		store:   ms,
		objects: objects,
		codec:   cdc,
		tokens:  make(map[string]string),
	}
	ctx := context.Background()
	for _, u := range []struct{ id, name, email string }{
		{"u1", "alice", "alice@example.com"},
		{"u2", "bob", "bob@example.com"},
	} {
		hash, err := auth.HashPassword("Str0ng#Password!")
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		if err := ms.SaveProfile(ctx, domain.Profile{ID: u.id, Username: u.name, Email: u.email, PasswordHash: hash}); err != nil {
			t.Fatalf("save profile: %v", err)
		}
		token, err := sessions.NewSession(u.id)
		if err != nil {
			t.Fatalf("new session: %v", err)
		}
		env.tokens[u.id] = token
	}
	return env
}

func (e *testEnv) request(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[userID])
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/links", "/api/channels", "/api/users/me"} {
		rec := env.request(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token = %d, want 401", path, rec.Code)
		}
	}
}

func TestLoginLogoutFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/api/auth/login", "", authRequest{Email: "alice@example.com", Password: "Str0ng#Password!"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[authResponse](t, rec)
	if resp.Token == "" || resp.User.ID != "u1" {
		t.Fatalf("login response = %+v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec2 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("me = %d", rec2.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec3 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec3, req)
	if rec3.Code != http.StatusNoContent {
		t.Fatalf("logout = %d", rec3.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec4 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec4, req)
	if rec4.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout = %d, want 401", rec4.Code)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodPost, "/api/auth/login", "", authRequest{Email: "alice@example.com", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login with bad password = %d, want 401", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t)
	fd := feed.NewMemoryFeed()
	sessions, err := session.NewManager([]byte("test-secret"), time.Hour, session.NewMemoryTokenRevoker(), session.Options{})
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	srv, err := New(Config{
		Store:        env.store,
		Feed:         fd,
		Sessions:     sessions,
		LoginLimiter: ratelimit.NewSlidingWindowLimiter(2, time.Minute),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	handler := srv.Router()

	body := authRequest{Email: "alice@example.com", Password: "wrong"}
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		data, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("rate limited response missing Retry-After")
	}
}

func TestCreateAndListLinks(t *testing.T) {
	env := newTestEnv(t)
	ch, err := env.store.EnsureChannel(context.Background(), "general")
	if err != nil {
		t.Fatalf("ensure channel: %v", err)
	}

	rec := env.request(t, http.MethodPost, "/api/links", "u1", createLinkRequest{
		URL:       "https://example.com/article",
		Receiver:  "u2",
		ChannelID: ch.ID,
		OpID:      "op-123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create link = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.SharedLink](t, rec)
	if created.ID == "" || created.OpID != "op-123" {
		t.Fatalf("created link = %+v", created)
	}

	rec = env.request(t, http.MethodGet, "/api/links?channelId="+ch.ID, "u2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list links = %d", rec.Code)
	}
	links := decodeBody[[]domain.SharedLink](t, rec)
	if len(links) != 1 || links[0].ID != created.ID {
		t.Fatalf("links = %+v", links)
	}
	if links[0].SenderName != "alice" || links[0].ReceiverName != "bob" {
		t.Fatalf("joined names = %s/%s", links[0].SenderName, links[0].ReceiverName)
	}
}

func TestCreateLinkValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/api/links", "u1", createLinkRequest{URL: "https://example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields = %d, want 400", rec.Code)
	}
	rec = env.request(t, http.MethodPost, "/api/links", "u1", createLinkRequest{
		URL: "javascript:alert(1)", Receiver: "u2", ChannelID: "c1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad scheme = %d, want 400", rec.Code)
	}
}

func TestMarkReadIsNoopForSender(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	link, err := env.store.InsertLink(ctx, domain.SharedLink{URL: "https://x.example", Sender: "u1", Receiver: "u2"})
	if err != nil {
		t.Fatalf("insert link: %v", err)
	}

	rec := env.request(t, http.MethodPost, "/api/links/"+link.ID+"/read", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sender mark read = %d", rec.Code)
	}
	got, _, _ := env.store.GetLink(ctx, link.ID)
	if got.IsRead != nil && *got.IsRead {
		t.Fatal("sender must not mark own link read")
	}

	rec = env.request(t, http.MethodPost, "/api/links/"+link.ID+"/read", "u2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receiver mark read = %d", rec.Code)
	}
	got, _, _ = env.store.GetLink(ctx, link.ID)
	if got.IsRead == nil || !*got.IsRead {
		t.Fatal("receiver mark read should stick")
	}
}

func TestDeleteLinkSenderOnly(t *testing.T) {
	env := newTestEnv(t)
	link, err := env.store.InsertLink(context.Background(), domain.SharedLink{URL: "https://x.example", Sender: "u1", Receiver: "u2"})
	if err != nil {
		t.Fatalf("insert link: %v", err)
	}

	rec := env.request(t, http.MethodDelete, "/api/links/"+link.ID, "u2", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("receiver delete = %d, want 403", rec.Code)
	}
	rec = env.request(t, http.MethodDelete, "/api/links/"+link.ID, "u1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("sender delete = %d, want 204", rec.Code)
	}
}

func TestMessagesEncodedAtRestDecodedOnRead(t *testing.T) {
	env := newTestEnv(t)
	ch, err := env.store.EnsureChannel(context.Background(), "general")
	if err != nil {
		t.Fatalf("ensure channel: %v", err)
	}

	rec := env.request(t, http.MethodPost, "/api/channels/"+ch.ID+"/messages", "u1", sendMessageRequest{Message: "hello there"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send = %d: %s", rec.Code, rec.Body.String())
	}
	sent := decodeBody[domain.Message](t, rec)
	if sent.Body != "hello there" {
		t.Fatalf("response body = %q, want plaintext", sent.Body)
	}

	stored, err := env.store.ListMessages(context.Background(), store.MessageFilter{ChannelID: ch.ID})
	if err != nil {
		t.Fatalf("list stored: %v", err)
	}
	if len(stored) != 1 || stored[0].Body == "hello there" {
		t.Fatalf("stored body should be encoded, got %+v", stored)
	}

	rec = env.request(t, http.MethodGet, "/api/channels/"+ch.ID+"/messages", "u2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	messages := decodeBody[[]domain.Message](t, rec)
	if len(messages) != 1 || messages[0].Body != "hello there" {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestToggleReactionTwice(t *testing.T) {
	env := newTestEnv(t)
	link, err := env.store.InsertLink(context.Background(), domain.SharedLink{URL: "https://x.example", Sender: "u1", Receiver: "u2"})
	if err != nil {
		t.Fatalf("insert link: %v", err)
	}
	path := "/api/links/" + link.ID + "/reactions"

	rec := env.request(t, http.MethodPost, path, "u2", toggleReactionRequest{Emoji: "👍"})
	if rec.Code != http.StatusOK {
		t.Fatalf("first toggle = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[reactionsResponse](t, rec)
	if len(resp.Reactions) != 1 || len(resp.Groups) != 1 || !resp.Groups[0].Reacted {
		t.Fatalf("after first toggle = %+v", resp)
	}

	rec = env.request(t, http.MethodPost, path, "u2", toggleReactionRequest{Emoji: "👍"})
	if rec.Code != http.StatusOK {
		t.Fatalf("second toggle = %d", rec.Code)
	}
	resp = decodeBody[reactionsResponse](t, rec)
	if len(resp.Reactions) != 0 {
		t.Fatalf("after double toggle = %+v", resp)
	}

	rec = env.request(t, http.MethodPost, path, "u2", toggleReactionRequest{Emoji: "🍕"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("disallowed emoji = %d, want 400", rec.Code)
	}
}

func TestCommentWithAttachment(t *testing.T) {
	env := newTestEnv(t)
	link, err := env.store.InsertLink(context.Background(), domain.SharedLink{URL: "https://x.example", Sender: "u1", Receiver: "u2"})
	if err != nil {
		t.Fatalf("insert link: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("body", "see attachment"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fmt.Fprint(fw, "attachment contents")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/links/"+link.ID+"/comments", &buf)
	req.Header.Set("Authorization", "Bearer "+env.tokens["u2"])
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create comment = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[commentResponse](t, rec)
	if resp.Content != "see attachment" {
		t.Fatalf("comment content = %q", resp.Content)
	}
	if len(resp.Files) != 1 || resp.Files[0].Filename != "notes.txt" {
		t.Fatalf("files = %+v", resp.Files)
	}
	if !strings.HasPrefix(resp.Files[0].URL, "memory://") {
		t.Fatalf("attachment url = %q", resp.Files[0].URL)
	}

	records, err := env.store.ListFiles(context.Background(), link.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("stored files = %v %v", records, err)
	}
	data, contentType, ok := env.objects.Object(records[0].StorageKey)
	if !ok || string(data) != "attachment contents" {
		t.Fatalf("stored object = %q ok=%v", data, ok)
	}
	if contentType == "" {
		t.Fatal("stored object missing content type")
	}
}

func TestEventsStreamDeliversInsert(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/events?table=shared_links", nil)
	req.Header.Set("Authorization", "Bearer "+env.tokens["u1"])
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.handler.ServeHTTP(rec, req)
	}()

	// Give the subscription time to attach, then publish through the store.
	time.Sleep(50 * time.Millisecond)
	if _, err := env.store.InsertLink(context.Background(), domain.SharedLink{URL: "https://x.example", Sender: "u1", Receiver: "u2"}); err != nil {
		t.Fatalf("insert link: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(rec.Body.String(), "event: insert") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: insert") || !strings.Contains(body, "https://x.example") {
		t.Fatalf("stream body = %q", body)
	}
}
