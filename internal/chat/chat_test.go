package chat

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tawk/internal/db"
	"tawk/internal/models"
	"tawk/internal/presence"
	"tawk/internal/store"
)

// recorder is a presence.Handle that keeps every frame pushed to it.
type recorder struct {
	mu     sync.Mutex
	frames []models.WebSocketMessage
}

func (r *recorder) Send(msg models.WebSocketMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, msg)
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames {
		out = append(out, f.Event)
	}
	return out
}

func (r *recorder) last() models.WebSocketMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return models.WebSocketMessage{}
	}
	return r.frames[len(r.frames)-1]
}

type testEnv struct {
	store     *db.DB
	directory *presence.Directory
	service   *Service
	router    *Router
}

func setup(t *testing.T, users ...string) *testEnv {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	for _, id := range users {
		u := &models.User{ID: id, Username: id, Password: "hash", FirstName: id}
		if err := database.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("CreateUser(%s): %v", id, err)
		}
	}

	dir := presence.NewDirectory(database, zap.NewNop())
	svc := NewService(database, dir, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return &testEnv{
		store:     database,
		directory: dir,
		service:   svc,
		router:    NewRouter(svc, zap.NewNop()),
	}
}

func (e *testEnv) online(t *testing.T, userID string) *recorder {
	t.Helper()
	r := &recorder{}
	e.directory.Register(context.Background(), userID, r)
	return r
}

// payload round-trips v through JSON the way a websocket frame would arrive.
func payload(t *testing.T, v interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestFriendRequestNotifiesBothSides(t *testing.T) {
	env := setup(t, "alice", "bob")
	alice := env.online(t, "alice")
	bob := env.online(t, "bob")

	env.router.Dispatch(context.Background(), alice, models.WebSocketMessage{
		Event:   models.EventFriendRequest,
		Payload: payload(t, map[string]string{"from": "alice", "to": "bob"}),
	})

	if got := bob.events(); len(got) != 1 || got[0] != models.EventNewFriendRequest {
		t.Fatalf("bob received %v, want [new_friend_request]", got)
	}
	if got := alice.events(); len(got) != 1 || got[0] != models.EventRequestSent {
		t.Fatalf("alice received %v, want [request_sent]", got)
	}

	incoming, err := env.store.ListIncomingRequests(context.Background(), "bob")
	if err != nil || len(incoming) != 1 {
		t.Fatalf("expected one stored request, got %v (%v)", incoming, err)
	}
}

func TestFriendRequestPersistsWhenOffline(t *testing.T) {
	env := setup(t, "alice", "bob")

	req, err := env.service.SendRequest(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if _, err := env.store.GetFriendRequest(context.Background(), req.ID); err != nil {
		t.Fatalf("request not stored: %v", err)
	}
}

func TestFriendRequestPendingIsReused(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()

	first, err := env.service.SendRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.service.SendRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate pending request created: %s and %s", first.ID, second.ID)
	}
}

func TestFriendRequestConcurrentSendsOnePending(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()

	const senders = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := env.service.SendRequest(ctx, "alice", "bob")
			if err != nil {
				t.Errorf("SendRequest: %v", err)
				return
			}
			mu.Lock()
			ids[req.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("concurrent sends returned %d request ids, want 1", len(ids))
	}
	incoming, err := env.store.ListIncomingRequests(ctx, "bob")
	if err != nil || len(incoming) != 1 {
		t.Fatalf("bob has %d pending requests (%v), want 1", len(incoming), err)
	}
}

func TestFriendRequestToSelfRejected(t *testing.T) {
	env := setup(t, "alice")
	if _, err := env.service.SendRequest(context.Background(), "alice", "alice"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAcceptRequestCommitsFriendshipAndIsReplaySafe(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()
	alice := env.online(t, "alice")
	bob := env.online(t, "bob")

	req, err := env.service.SendRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.service.AcceptRequest(ctx, req.ID); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	if alice.last().Event != models.EventRequestAccepted || bob.last().Event != models.EventRequestAccepted {
		t.Fatalf("both sides should receive request_accepted: alice=%v bob=%v", alice.events(), bob.events())
	}

	if _, err := env.service.AcceptRequest(ctx, req.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second accept should be ErrNotFound, got %v", err)
	}

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		u, err := env.store.GetUser(ctx, pair[0])
		if err != nil {
			t.Fatal(err)
		}
		if len(u.Friends) != 1 || u.Friends[0] != pair[1] {
			t.Errorf("%s friends = %v, want [%s]", pair[0], u.Friends, pair[1])
		}
	}
}

func TestAcceptAfterPartialApplyIsIdempotent(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()

	req, err := env.service.SendRequest(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash after the first save.
	if err := env.store.AddFriend(ctx, "bob", "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := env.service.AcceptRequest(ctx, req.ID); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	u, err := env.store.GetUser(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Friends) != 1 {
		t.Fatalf("bob friends = %v, want one entry", u.Friends)
	}
}

func TestAcceptUnknownRequestAcksFailure(t *testing.T) {
	env := setup(t, "alice")
	alice := env.online(t, "alice")

	env.router.Dispatch(context.Background(), alice, models.WebSocketMessage{
		Event:   models.EventAcceptRequest,
		Ack:     "a1",
		Payload: payload(t, map[string]string{"request_id": "missing"}),
	})

	frame := alice.last()
	ack, ok := frame.Payload.(models.AckPayload)
	if frame.Event != models.EventAck || frame.Ack != "a1" || !ok {
		t.Fatalf("expected ack frame, got %+v", frame)
	}
	if ack.OK || ack.Error == "" {
		t.Fatalf("expected failed ack, got %+v", ack)
	}
}

func TestStartConversationThenOpen(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()
	alice := env.online(t, "alice")
	bob := env.online(t, "bob")

	env.router.Dispatch(ctx, alice, models.WebSocketMessage{
		Event:   models.EventStartConversation,
		Payload: payload(t, map[string]string{"from": "alice", "to": "bob"}),
	})
	start := alice.last()
	if start.Event != models.EventStartChat {
		t.Fatalf("alice got %q, want start_chat", start.Event)
	}
	conv := start.Payload.(*models.Conversation)
	if len(conv.Participants) != 2 || conv.Participants[0] != "alice" || conv.Participants[1] != "bob" {
		t.Fatalf("participants = %v", conv.Participants)
	}
	if len(conv.Messages) != 0 {
		t.Fatalf("new conversation should be empty")
	}
	if len(bob.events()) != 0 {
		t.Fatalf("start_conversation should only answer the initiator, bob got %v", bob.events())
	}

	env.router.Dispatch(ctx, bob, models.WebSocketMessage{
		Event:   models.EventStartConversation,
		Payload: payload(t, map[string]string{"from": "bob", "to": "alice"}),
	})
	open := bob.last()
	if open.Event != models.EventOpenChat {
		t.Fatalf("bob got %q, want open_chat", open.Event)
	}
	if got := open.Payload.(*models.Conversation).ID; got != conv.ID {
		t.Fatalf("open_chat returned %s, want %s", got, conv.ID)
	}
}

func TestStartConversationManyCallsOneRecord(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "alice", "bob"
			if i%2 == 0 {
				from, to = to, from
			}
			if _, _, err := env.service.StartConversation(ctx, from, to); err != nil {
				t.Errorf("StartConversation: %v", err)
			}
		}(i)
	}
	wg.Wait()

	list, err := env.store.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d conversations for the pair, want 1", len(list))
	}
}

func TestTextMessageDeliveredAndStored(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()
	alice := env.online(t, "alice")
	bob := env.online(t, "bob")

	conv, _, err := env.service.StartConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	env.router.Dispatch(ctx, alice, models.WebSocketMessage{
		Event: models.EventTextMessage,
		Payload: payload(t, map[string]string{
			"to": "bob", "from": "alice", "message": "hi",
			"conversation_id": conv.ID, "type": "text",
		}),
	})

	for name, r := range map[string]*recorder{"alice": alice, "bob": bob} {
		frame := r.last()
		if frame.Event != models.EventNewMessage {
			t.Fatalf("%s got %q, want new_message", name, frame.Event)
		}
		p := frame.Payload.(models.NewMessagePayload)
		if p.ConversationID != conv.ID || p.Message.Text != "hi" || p.Message.From != "alice" {
			t.Fatalf("%s got unexpected payload %+v", name, p)
		}
	}

	msgs, err := env.service.GetMessages(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].From != "alice" || msgs[0].Text != "hi" {
		t.Fatalf("stored messages = %+v", msgs)
	}
}

func TestTextMessageRecipientOffline(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()
	alice := env.online(t, "alice")

	conv, _, err := env.service.StartConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.service.SendMessage(ctx, conv.ID, "alice", "bob", "hello?", models.MessageText); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if alice.last().Event != models.EventNewMessage {
		t.Fatalf("sender should still get new_message")
	}
	msgs, _ := env.service.GetMessages(ctx, conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("message not stored for offline recipient")
	}
}

func TestTextMessageFailureSurfaced(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()
	alice := env.online(t, "alice")

	env.router.Dispatch(ctx, alice, models.WebSocketMessage{
		Event: models.EventTextMessage,
		Payload: payload(t, map[string]string{
			"to": "bob", "from": "alice", "message": "hi", "conversation_id": "nope",
		}),
	})
	frame := alice.last()
	if frame.Event != models.EventError {
		t.Fatalf("expected error event, got %+v", frame)
	}
	if p := frame.Payload.(models.ErrorPayload); p.Event != models.EventTextMessage {
		t.Fatalf("error payload names %q", p.Event)
	}
}

func TestTextMessageUnknownType(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()
	conv, _, err := env.service.StartConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.service.SendMessage(ctx, conv.ID, "alice", "bob", "x", "gif"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestGetMessageAckCarriesOrderedMessages(t *testing.T) {
	env := setup(t, "alice", "bob")
	ctx := context.Background()
	alice := env.online(t, "alice")

	conv, _, err := env.service.StartConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := env.service.SendMessage(ctx, conv.ID, "alice", "bob", text, models.MessageText); err != nil {
			t.Fatal(err)
		}
	}

	env.router.Dispatch(ctx, alice, models.WebSocketMessage{
		Event:   models.EventGetMessage,
		Ack:     "q1",
		Payload: payload(t, map[string]string{"conversation_id": conv.ID}),
	})
	frame := alice.last()
	ack := frame.Payload.(models.AckPayload)
	if frame.Ack != "q1" || !ack.OK {
		t.Fatalf("unexpected ack %+v", frame)
	}
	msgs := ack.Data.([]models.Message)
	if len(msgs) != 3 || msgs[0].Text != "one" || msgs[2].Text != "three" {
		t.Fatalf("messages out of order: %+v", msgs)
	}
}

func TestGetDirectConversationsAck(t *testing.T) {
	env := setup(t, "alice", "bob", "carol")
	ctx := context.Background()
	alice := env.online(t, "alice")

	for _, other := range []string{"bob", "carol"} {
		if _, _, err := env.service.StartConversation(ctx, "alice", other); err != nil {
			t.Fatal(err)
		}
	}

	env.router.Dispatch(ctx, alice, models.WebSocketMessage{
		Event:   models.EventGetDirectConversations,
		Ack:     "c1",
		Payload: payload(t, map[string]string{"user_id": "alice"}),
	})
	ack := alice.last().Payload.(models.AckPayload)
	list := ack.Data.([]models.ConversationSummary)
	if len(list) != 2 {
		t.Fatalf("got %d conversations, want 2", len(list))
	}
}

func TestDecodeAcceptsNumericIDs(t *testing.T) {
	var p models.FriendRequestPayload
	if err := decode(map[string]interface{}{"to": float64(42), "from": "7"}, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.To != "42" || p.From != "7" {
		t.Fatalf("decoded %+v", p)
	}
	if err := decode(nil, &p); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("nil payload should be ErrValidation, got %v", err)
	}
}

func TestUnknownEvent(t *testing.T) {
	env := setup(t, "alice")
	alice := env.online(t, "alice")
	env.router.Dispatch(context.Background(), alice, models.WebSocketMessage{Event: "dance"})
	if alice.last().Event != models.EventError {
		t.Fatalf("unknown event should produce an error frame")
	}
}

func TestFileMessageStoredName(t *testing.T) {
	env := setup(t, "alice", "bob")
	alice := env.online(t, "alice")

	env.router.Dispatch(context.Background(), alice, models.WebSocketMessage{
		Event: models.EventFileMessage,
		Ack:   "f1",
		Payload: payload(t, map[string]interface{}{
			"from": "alice", "to": "bob", "file": map[string]string{"name": "photo.png"},
		}),
	})
	ack := alice.last().Payload.(models.AckPayload)
	if !ack.OK {
		t.Fatalf("file message failed: %+v", ack)
	}
	name := ack.Data.(models.FileStoredPayload).FileName
	if !regexp.MustCompile(`^1704164645000_\d{1,3}\.png$`).MatchString(name) {
		t.Fatalf("stored name %q has unexpected shape", name)
	}
}

func TestStoredFileNameKeepsExtension(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	name := StoredFileName("archive.tar.gz", now)
	if !regexp.MustCompile(`^1700000000123_\d{1,3}\.gz$`).MatchString(name) {
		t.Fatalf("StoredFileName = %q", name)
	}
	if got := StoredFileName("README", now); !regexp.MustCompile(`^1700000000123_\d{1,3}$`).MatchString(got) {
		t.Fatalf("StoredFileName without extension = %q", got)
	}
}
