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

type conversationDoc struct {
	ID           string           `bson:"_id"`
	PairKey      string           `bson:"pair_key"`
	Participants []string         `bson:"participants"`
	Messages     []models.Message `bson:"messages"`
	CreatedAt    time.Time        `bson:"created_at"`
}

func (d *conversationDoc) model() *models.Conversation {
	msgs := d.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &models.Conversation{
		ID:           d.ID,
		Participants: d.Participants,
		Messages:     msgs,
		CreatedAt:    d.CreatedAt,
	}
}

func (s *Store) findConversation(ctx context.Context, filter bson.M, key string) (*models.Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.NotFound("conversation", key)
	}
	if err != nil {
		return nil, store.Storage(err, "get conversation")
	}
	return doc.model(), nil
}

func (s *Store) FindConversationByPair(ctx context.Context, a, b string) (*models.Conversation, error) {
	key := store.PairKey(a, b)
	return s.findConversation(ctx, bson.M{"pair_key": key}, key)
}

// CreateConversationIfAbsent upserts on the unique pair key. Two racing
// upserts can both miss and one then fails with a duplicate key; that
// caller simply reads the winner's document.
func (s *Store) CreateConversationIfAbsent(ctx context.Context, a, b string) (*models.Conversation, bool, error) {
	lo, hi := store.NormalizePair(a, b)
	key := store.PairKey(lo, hi)

	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"pair_key": key},
		bson.M{"$setOnInsert": bson.M{
			"_id":          uuid.NewString(),
			"participants": []string{lo, hi},
			"messages":     []models.Message{},
			"created_at":   time.Now().UTC(),
		}},
		options.Update().SetUpsert(true))

	created := false
	switch {
	case err == nil:
		created = res.UpsertedCount == 1
	case mongo.IsDuplicateKeyError(err):
		s.logger.Debug("conversation upsert lost race")
	default:
		return nil, false, store.Storage(err, "create conversation")
	}

	conv, err := s.findConversation(ctx, bson.M{"pair_key": key}, key)
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) (*models.Conversation, error) {
	store.StampMessage(conversationID, msg)

	var doc conversationDoc
	err := s.conversations.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID, "pair_key": store.PairKey(msg.From, msg.To)},
		bson.M{"$push": bson.M{"messages": msg}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		return doc.model(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.Storage(err, "append message")
	}

	n, err := s.conversations.CountDocuments(ctx, bson.M{"_id": conversationID})
	if err != nil {
		return nil, store.Storage(err, "check conversation")
	}
	if n == 0 {
		return nil, store.NotFound("conversation", conversationID)
	}
	return nil, store.Invalid("%s and %s are not the participants of conversation %s", msg.From, msg.To, conversationID)
}

func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	conv, err := s.findConversation(ctx, bson.M{"_id": conversationID}, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	cur, err := s.conversations.Find(ctx, bson.M{"participants": userID},
		options.Find().
			SetProjection(bson.M{"messages": 0}).
			SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, store.Storage(err, "list conversations")
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, store.Storage(err, "decode conversations")
	}
	if len(docs) == 0 {
		return []models.ConversationSummary{}, nil
	}

	seen := map[string]bool{}
	var ids []string
	for _, d := range docs {
		for _, p := range d.Participants {
			if !seen[p] {
				seen[p] = true
				ids = append(ids, p)
			}
		}
	}
	byID, err := s.participants(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.ConversationSummary, 0, len(docs))
	for _, d := range docs {
		ps := make([]models.Participant, 0, len(d.Participants))
		for _, p := range d.Participants {
			ps = append(ps, resolve(byID, p))
		}
		out = append(out, models.ConversationSummary{ID: d.ID, Participants: ps, CreatedAt: d.CreatedAt})
	}
	return out, nil
}
