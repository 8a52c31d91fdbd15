package mongostore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"tawk/internal/models"
	"tawk/internal/store"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{URI: "mongodb://localhost:27017", Database: "tawk"}
	if err := cfg.validateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	if cfg.MaxPoolSize != defaultMaxPoolSize || cfg.MaxRetry != defaultMaxRetry {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	for _, bad := range []Config{{Database: "tawk"}, {URI: "mongodb://localhost"}} {
		if err := bad.validateAndSetDefaults(); err == nil {
			t.Errorf("expected error for %+v", bad)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	ctx := context.Background()
	if !shouldRetry(ctx, errors.New("connection refused")) {
		t.Error("network errors should be retried")
	}
	if shouldRetry(ctx, mongo.CommandError{Code: 18, Message: "auth failed"}) {
		t.Error("authentication failures should not be retried")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if shouldRetry(cancelled, errors.New("timeout")) {
		t.Error("a cancelled context should stop retries")
	}
}

func TestProfileSet(t *testing.T) {
	set := profileSet(models.ProfileUpdate{About: "hi", Avatar: "a.png"})
	if len(set) != 2 || set["about"] != "hi" || set["avatar"] != "a.png" {
		t.Fatalf("profileSet = %v", set)
	}
	if len(profileSet(models.ProfileUpdate{})) != 0 {
		t.Fatal("empty update should set nothing")
	}
}

func TestResolveMissingUser(t *testing.T) {
	byID := map[string]models.Participant{"a": {ID: "a", FirstName: "Ann"}}
	if p := resolve(byID, "a"); p.FirstName != "Ann" {
		t.Fatalf("resolve(a) = %+v", p)
	}
	if p := resolve(byID, "gone"); p.ID != "gone" || p.FirstName != "" {
		t.Fatalf("resolve(gone) = %+v", p)
	}
}

// newTestStore connects to the server named by TAWK_TEST_MONGO_URI using a
// throwaway database, or skips.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("TAWK_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TAWK_TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := New(ctx, Config{URI: uri, Database: "tawk_test_" + uuid.NewString()[:8], MaxRetry: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.db.Drop(context.Background())
		s.Close()
	})
	return s
}

func createUsers(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.CreateUser(context.Background(), &models.User{ID: id, Username: id, FirstName: id}); err != nil {
			t.Fatalf("CreateUser(%s): %v", id, err)
		}
	}
}

func TestMongoUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createUsers(t, s, "alice", "bob")

	err := s.CreateUser(ctx, &models.User{ID: "other", Username: "alice"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate username: got %v", err)
	}

	if err := s.SetStatus(ctx, "alice", models.StatusOnline); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, "nobody", models.StatusOnline); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SetStatus(nobody): got %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.AddFriend(ctx, "alice", "bob"); err != nil {
			t.Fatal(err)
		}
	}
	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != models.StatusOnline || len(u.Friends) != 1 {
		t.Fatalf("unexpected user %+v", u)
	}

	friends, err := s.ListFriends(ctx, "alice")
	if err != nil || len(friends) != 1 || friends[0].ID != "bob" {
		t.Fatalf("ListFriends = %v, %v", friends, err)
	}
}

func TestMongoFriendRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createUsers(t, s, "alice", "bob")

	req, created, err := s.CreateFriendRequestIfAbsent(ctx, "alice", "bob")
	if err != nil || !created {
		t.Fatalf("CreateFriendRequestIfAbsent = %v, %v", created, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			again, c, err := s.CreateFriendRequestIfAbsent(ctx, "alice", "bob")
			if err != nil || c || again.ID != req.ID {
				t.Errorf("repeat CreateFriendRequestIfAbsent = %+v, %v, %v", again, c, err)
			}
		}()
	}
	wg.Wait()
	pending, err := s.FindPendingRequest(ctx, "alice", "bob")
	if err != nil || pending.ID != req.ID {
		t.Fatalf("FindPendingRequest = %v, %v", pending, err)
	}
	if _, err := s.FindPendingRequest(ctx, "bob", "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("reverse direction should be absent, got %v", err)
	}

	views, err := s.ListIncomingRequests(ctx, "bob")
	if err != nil || len(views) != 1 || views[0].Sender.ID != "alice" {
		t.Fatalf("ListIncomingRequests = %v, %v", views, err)
	}

	if err := s.DeleteFriendRequest(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteFriendRequest(ctx, req.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete: got %v", err)
	}
}

func TestMongoConversationPerPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createUsers(t, s, "alice", "bob")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, c, err := s.CreateConversationIfAbsent(ctx, a, b)
			if err != nil {
				t.Errorf("CreateConversationIfAbsent: %v", err)
				return
			}
			mu.Lock()
			ids[conv.ID] = true
			if c {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(ids) != 1 || created != 1 {
		t.Fatalf("got %d ids and %d creations, want 1 and 1", len(ids), created)
	}
}

func TestMongoAppendMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createUsers(t, s, "alice", "bob", "carol")

	conv, _, err := s.CreateConversationIfAbsent(ctx, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := &models.Message{
				ID: uuid.NewString(), From: "alice", To: "bob",
				Type: models.MessageText, Text: fmt.Sprint(i), CreatedAt: time.Now().UTC(),
			}
			if _, err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
				t.Errorf("AppendMessage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := s.GetMessages(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 10 {
		t.Fatalf("got %d messages, want 10", len(msgs))
	}

	bare := &models.Message{From: "bob", To: "alice", Type: models.MessageText, Text: "no id"}
	if _, err := s.AppendMessage(ctx, conv.ID, bare); err != nil {
		t.Fatal(err)
	}
	if bare.ID == "" || bare.CreatedAt.IsZero() {
		t.Fatalf("AppendMessage left defaults unset: %+v", bare)
	}

	stray := &models.Message{ID: uuid.NewString(), From: "carol", To: "bob", Type: models.MessageText}
	if _, err := s.AppendMessage(ctx, conv.ID, stray); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("non-participant append: got %v", err)
	}
	if _, err := s.AppendMessage(ctx, "missing", stray); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing conversation: got %v", err)
	}

	list, err := s.ListConversations(ctx, "alice")
	if err != nil || len(list) != 1 || len(list[0].Participants) != 2 {
		t.Fatalf("ListConversations = %v, %v", list, err)
	}
}
