package attendance

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"rollcall/internal/store"
)

// Repository is the persistence contract of the upsert engine. The primitive
// operations are deliberately small so the create-race recovery can live in
// the service where it is testable:
//
//   - SetEntry touches an existing entry for the student, reporting whether
//     one matched.
//   - AddEntry appends an entry to an existing record that does not yet hold
//     the student, reporting whether it did.
//   - Create inserts a fresh record and maps the storage-level uniqueness
//     violation on (class, day) to ErrDuplicateRecord.
type Repository interface {
	GetByClassDay(ctx context.Context, classID string, day time.Time) (*Record, error)
	Create(ctx context.Context, rec *Record) error
	SetEntry(ctx context.Context, classID string, day time.Time, entry StudentEntry) (bool, error)
	AddEntry(ctx context.Context, classID string, day time.Time, entry StudentEntry) (bool, error)
	CountByStatus(ctx context.Context, classID string, from, to time.Time) (map[Status]int, error)
}

// MongoRepository persists attendance records in the document store.
type MongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository creates a repo over the shared database handle.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(store.AttendanceCollection)}
}

// GetByClassDay returns the record for (classID, day), or nil when none.
func (r *MongoRepository) GetByClassDay(ctx context.Context, classID string, day time.Time) (*Record, error) {
	var rec Record
	err := r.coll.FindOne(ctx, bson.M{"class_id": classID, "date": day}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Create inserts a new record. A concurrent creator losing the race against
// the unique (class_id, date) index gets ErrDuplicateRecord.
func (r *MongoRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	if rec.Students == nil {
		rec.Students = []StudentEntry{}
	}
	_, err := r.coll.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateRecord
	}
	return err
}

// SetEntry overwrites status/notes/timestamp of an existing entry in place.
func (r *MongoRepository) SetEntry(ctx context.Context, classID string, day time.Time, entry StudentEntry) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"class_id": classID, "date": day, "students.student_id": entry.StudentID},
		bson.M{"$set": bson.M{
			"students.$.status":    entry.Status,
			"students.$.notes":     entry.Notes,
			"students.$.timestamp": entry.Timestamp,
			"updated_at":           time.Now().UTC(),
		}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// AddEntry appends an entry to an existing record. The $ne guard keeps a
// concurrent add of the same student from producing two entries; the loser
// reports false and retries as a SetEntry.
func (r *MongoRepository) AddEntry(ctx context.Context, classID string, day time.Time, entry StudentEntry) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"class_id": classID, "date": day, "students.student_id": bson.M{"$ne": entry.StudentID}},
		bson.M{
			"$push": bson.M{"students": entry},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// CountByStatus aggregates entry counts per status over a day range.
func (r *MongoRepository) CountByStatus(ctx context.Context, classID string, from, to time.Time) (map[Status]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"class_id": classID,
			"date":     bson.M{"$gte": from, "$lte": to},
		}}},
		{{Key: "$unwind", Value: "$students"}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$students.status",
			"count": bson.M{"$sum": 1},
		}}},
	}
	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	counts := make(map[Status]int)
	for cur.Next(ctx) {
		var row struct {
			Status Status `bson:"_id"`
			Count  int    `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		counts[row.Status] = row.Count
	}
	return counts, cur.Err()
}
