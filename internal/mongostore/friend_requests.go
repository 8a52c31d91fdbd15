package mongostore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tawk/internal/models"
	"tawk/internal/store"
)

// CreateFriendRequestIfAbsent upserts on the unique (sender, recipient)
// index. A racing upsert that loses with a duplicate key reads the winner.
func (s *Store) CreateFriendRequestIfAbsent(ctx context.Context, from, to string) (*models.FriendRequest, bool, error) {
	res, err := s.requests.UpdateOne(ctx,
		bson.M{"sender": from, "recipient": to},
		bson.M{"$setOnInsert": bson.M{
			"_id":        uuid.NewString(),
			"created_at": time.Now().UTC(),
		}},
		options.Update().SetUpsert(true))

	created := false
	switch {
	case err == nil:
		created = res.UpsertedCount == 1
	case mongo.IsDuplicateKeyError(err):
		s.logger.Debug("friend request upsert lost race")
	default:
		return nil, false, store.Storage(err, "create friend request")
	}

	req, err := s.FindPendingRequest(ctx, from, to)
	if err != nil {
		return nil, false, err
	}
	return req, created, nil
}

func (s *Store) FindPendingRequest(ctx context.Context, from, to string) (*models.FriendRequest, error) {
	return s.findRequest(ctx, bson.M{"sender": from, "recipient": to}, from+"->"+to)
}

func (s *Store) GetFriendRequest(ctx context.Context, id string) (*models.FriendRequest, error) {
	return s.findRequest(ctx, bson.M{"_id": id}, id)
}

func (s *Store) findRequest(ctx context.Context, filter bson.M, key string) (*models.FriendRequest, error) {
	var req models.FriendRequest
	err := s.requests.FindOne(ctx, filter).Decode(&req)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.NotFound("friend request", key)
	}
	if err != nil {
		return nil, store.Storage(err, "get friend request")
	}
	return &req, nil
}

func (s *Store) DeleteFriendRequest(ctx context.Context, id string) error {
	res, err := s.requests.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return store.Storage(err, "delete friend request")
	}
	if res.DeletedCount == 0 {
		return store.NotFound("friend request", id)
	}
	return nil
}

func (s *Store) ListIncomingRequests(ctx context.Context, userID string) ([]models.FriendRequestView, error) {
	cur, err := s.requests.Find(ctx, bson.M{"recipient": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, store.Storage(err, "list friend requests")
	}
	var reqs []models.FriendRequest
	if err := cur.All(ctx, &reqs); err != nil {
		return nil, store.Storage(err, "decode friend requests")
	}
	if len(reqs) == 0 {
		return []models.FriendRequestView{}, nil
	}

	senders := make([]string, 0, len(reqs))
	for _, r := range reqs {
		senders = append(senders, r.Sender)
	}
	byID, err := s.participants(ctx, senders)
	if err != nil {
		return nil, err
	}

	views := make([]models.FriendRequestView, 0, len(reqs))
	for _, r := range reqs {
		views = append(views, models.FriendRequestView{
			ID:        r.ID,
			Sender:    resolve(byID, r.Sender),
			CreatedAt: r.CreatedAt,
		})
	}
	return views, nil
}
