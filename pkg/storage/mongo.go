package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/aivillage/hub/pkg/types"
)

const (
	mongoDatabase   = "hub"
	mongoCollection = "agent_logs"
)

// MongoStore implements LogBackend on a MongoDB collection
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type logDoc struct {
	ID        bson.ObjectID  `bson:"_id,omitempty"`
	AgentID   string         `bson:"agent_id"`
	TaskID    *int64         `bson:"task_id,omitempty"`
	Level     string         `bson:"level"`
	Message   string         `bson:"message"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
	CreatedAt time.Time      `bson:"created_at"`
}

// NewMongoStore connects to the log store and verifies the connection
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w: %v", ErrUnavailable, err)
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(mongoDatabase).Collection(mongoCollection),
	}, nil
}

// AppendLog inserts one diagnostic entry. Logs are append-only and never
// gate control flow; callers treat failures as best-effort.
func (s *MongoStore) AppendLog(ctx context.Context, entry *types.LogEntry) error {
	doc := logDoc{
		AgentID:   entry.AgentID,
		TaskID:    entry.TaskID,
		Level:     string(entry.Level),
		Message:   entry.Message,
		Metadata:  entry.Metadata,
		CreatedAt: entry.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("append log: %w: %v", ErrUnavailable, err)
	}
	if oid, ok := res.InsertedID.(bson.ObjectID); ok {
		entry.ID = oid.Hex()
	}
	return nil
}

// RecentLogs returns the newest entries, optionally filtered by agent and
// task, newest first.
func (s *MongoStore) RecentLogs(ctx context.Context, agentID string, taskID *int64, limit int) ([]*types.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{}
	if agentID != "" {
		filter["agent_id"] = agentID
	}
	if taskID != nil {
		filter["task_id"] = *taskID
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find logs: %w: %v", ErrUnavailable, err)
	}
	defer cursor.Close(ctx)

	var entries []*types.LogEntry
	for cursor.Next(ctx) {
		var doc logDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode log: %w", err)
		}
		entries = append(entries, &types.LogEntry{
			ID:        doc.ID.Hex(),
			AgentID:   doc.AgentID,
			TaskID:    doc.TaskID,
			Level:     types.LogLevel(doc.Level),
			Message:   doc.Message,
			Metadata:  doc.Metadata,
			CreatedAt: doc.CreatedAt,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w: %v", ErrUnavailable, err)
	}
	return entries, nil
}

// Ping checks connectivity
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close disconnects the client
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
