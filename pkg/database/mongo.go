package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Collection names shared with the web frontend's data layer.
const (
	CollectionCourses   = "courses"
	CollectionLecturers = "lecturers"
)

// Mongo is the process-scoped document store connection. It is established once at startup;
// handlers never ping or re-dial it. The driver's pool reconnects on its own.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// ConnectMongo dials uri, verifies the primary is reachable, and ensures indexes.
func ConnectMongo(ctx context.Context, uri, dbName string, logger *zap.Logger) (*Mongo, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second).
		SetAppName("nomoretears-backend")
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	m := NewMongo(client, dbName, logger)
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	m.logger.Info("MongoDB connected", zap.String("database", dbName))
	return m, nil
}

// NewMongo wraps an already connected client. It does not ping or create indexes.
func NewMongo(client *mongo.Client, dbName string, logger *zap.Logger) *Mongo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mongo{client: client, db: client.Database(dbName), logger: logger}
}

// EnsureIndexes creates the collection indexes the repositories rely on.
func (m *Mongo) EnsureIndexes(ctx context.Context) error { return m.ensureIndexes(ctx) }

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		CollectionCourses: {
			{Keys: bson.D{{Key: "courseId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "instructorId", Value: 1}}},
			{Keys: bson.D{{Key: "lectures.lectureId", Value: 1}}},
		},
		CollectionLecturers: {
			{Keys: bson.D{{Key: "userId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "lectures.lectureId", Value: 1}}},
		},
	}
	for coll, models := range specs {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// Collection returns a handle to the named collection.
func (m *Mongo) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Ping checks the primary is reachable (used by /health).
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
