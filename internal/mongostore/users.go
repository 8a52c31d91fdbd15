package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tawk/internal/models"
	"tawk/internal/store"
)

var participantProjection = bson.M{"first_name": 1, "last_name": 1, "avatar": 1, "status": 1}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Status == "" {
		user.Status = models.StatusOffline
	}
	if user.Friends == nil {
		user.Friends = []string{}
	}

	if _, err := s.users.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Wrapf(store.ErrConflict, "username %s", user.Username)
		}
		return store.Storage(err, "create user")
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id}, id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"username": username}, username)
}

func (s *Store) findUser(ctx context.Context, filter bson.M, key string) (*models.User, error) {
	var u models.User
	err := s.users.FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.NotFound("user", key)
	}
	if err != nil {
		return nil, store.Storage(err, "get user")
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	cur, err := s.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, store.Storage(err, "list users")
	}
	var users []models.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, store.Storage(err, "decode users")
	}
	return users, nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, update models.ProfileUpdate) (*models.User, error) {
	set := profileSet(update)
	if len(set) == 0 {
		return s.GetUser(ctx, id)
	}

	var u models.User
	err := s.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.NotFound("user", id)
	}
	if err != nil {
		return nil, store.Storage(err, "update profile")
	}
	return &u, nil
}

// profileSet keeps only the fields the update actually sets.
func profileSet(update models.ProfileUpdate) bson.M {
	set := bson.M{}
	for field, value := range map[string]string{
		"first_name": update.FirstName,
		"last_name":  update.LastName,
		"about":      update.About,
		"avatar":     update.Avatar,
	} {
		if value != "" {
			set[field] = value
		}
	}
	return set
}

func (s *Store) SetStatus(ctx context.Context, id string, status models.Status) error {
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return store.Storage(err, "set status")
	}
	if res.MatchedCount == 0 {
		return store.NotFound("user", id)
	}
	return nil
}

func (s *Store) AddFriend(ctx context.Context, userID, friendID string) error {
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$addToSet": bson.M{"friends": friendID}})
	if err != nil {
		return store.Storage(err, "add friend")
	}
	if res.MatchedCount == 0 {
		return store.NotFound("user", userID)
	}
	return nil
}

func (s *Store) ListFriends(ctx context.Context, userID string) ([]models.Participant, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(u.Friends) == 0 {
		return []models.Participant{}, nil
	}
	byID, err := s.participants(ctx, u.Friends)
	if err != nil {
		return nil, err
	}

	friends := make([]models.Participant, 0, len(u.Friends))
	for _, id := range u.Friends {
		if p, ok := byID[id]; ok {
			friends = append(friends, p)
		}
	}
	return friends, nil
}

// participants loads the display projection of every user in ids.
func (s *Store) participants(ctx context.Context, ids []string) (map[string]models.Participant, error) {
	cur, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetProjection(participantProjection))
	if err != nil {
		return nil, store.Storage(err, "load participants")
	}
	var list []models.Participant
	if err := cur.All(ctx, &list); err != nil {
		return nil, store.Storage(err, "decode participants")
	}

	byID := make(map[string]models.Participant, len(list))
	for _, p := range list {
		byID[p.ID] = p
	}
	return byID, nil
}

// resolve returns the participant for id, or a bare one carrying only the
// id when the user no longer exists.
func resolve(byID map[string]models.Participant, id string) models.Participant {
	if p, ok := byID[id]; ok {
		return p
	}
	return models.Participant{ID: id}
}
