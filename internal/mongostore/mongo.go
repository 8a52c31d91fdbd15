// Package mongostore is the MongoDB implementation of store.Store. Each
// conversation is one document holding its message list, so appends are a
// single atomic $push and the pair key index keeps one document per pair.
package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"tawk/internal/store"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3

	usersCollection         = "users"
	friendRequestCollection = "friend_requests"
	conversationCollection  = "conversations"
)

type Config struct {
	URI         string
	Database    string
	MaxPoolSize int
	MaxRetry    int
}

func (c *Config) validateAndSetDefaults() error {
	if c.URI == "" {
		return errors.New("mongo uri is required")
	}
	if c.Database == "" {
		return errors.New("mongo database is required")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	return nil
}

type Store struct {
	client        *mongo.Client
	db            *mongo.Database
	users         *mongo.Collection
	requests      *mongo.Collection
	conversations *mongo.Collection
	logger        *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New connects to MongoDB, retrying transient failures, and makes sure the
// indexes the store relies on exist.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.validateAndSetDefaults(); err != nil {
		return nil, err
	}
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(uint64(cfg.MaxPoolSize))

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connect(ctx, opts)
		if err != nil && shouldRetry(ctx, err) {
			logger.Warn("mongo connect failed, retrying", zap.Int("attempt", i+1), zap.Error(err))
			time.Sleep(time.Second / 2)
			continue
		}
		break
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}

	db := cli.Database(cfg.Database)
	s := &Store{
		client:        cli,
		db:            db,
		users:         db.Collection(usersCollection),
		requests:      db.Collection(friendRequestCollection),
		conversations: db.Collection(conversationCollection),
		logger:        logger,
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		cli.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func connect(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// shouldRetry reports whether a connect error is worth another attempt.
// Authentication failures (codes 13 and 18) are not.
func shouldRetry(ctx context.Context, err error) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code != 13 && cmdErr.Code != 18
	}
	return true
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.users, mongo.IndexModel{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.requests, mongo.IndexModel{
			Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "created_at", Value: 1}},
		}},
		{s.requests, mongo.IndexModel{
			Keys:    bson.D{{Key: "sender", Value: 1}, {Key: "recipient", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.conversations, mongo.IndexModel{
			Keys:    bson.D{{Key: "pair_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.conversations, mongo.IndexModel{
			Keys: bson.D{{Key: "participants", Value: 1}},
		}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return store.Storage(err, "create index on "+idx.coll.Name())
		}
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Wrap(s.client.Disconnect(ctx), "disconnect mongodb")
}
