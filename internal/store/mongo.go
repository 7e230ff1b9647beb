package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names used by the document store.
const (
	AttendanceCollection = "attendance_records"
	StudentCollection    = "students"
	ClassCollection      = "classes"
	InvoiceCollection    = "invoices"
)

// Mongo wraps the document-store client and database handle.
type Mongo struct {
	Client *mongo.Client
	DB     *mongo.Database
}

// NewMongo connects to the document store and pings it.
func NewMongo(ctx context.Context, uri, dbName string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &Mongo{Client: client, DB: client.Database(dbName)}, nil
}

// EnsureIndexes creates the indexes the engine relies on. The unique
// compound index on (class_id, date) is the authority for "one attendance
// record per class per day"; everything else is an access-path index.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.DB.Collection(AttendanceCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "class_id", Value: 1}, {Key: "date", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "date", Value: 1}},
		},
	})
	if err != nil {
		return err
	}
	_, err = m.DB.Collection(StudentCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "student_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}
	return m.Client.Disconnect(ctx)
}
