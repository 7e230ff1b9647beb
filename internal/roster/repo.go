package roster

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rollcall/internal/store"
)

// Repository reads student, class, and invoice records from the document
// store. Writes happen elsewhere in the admin system; this service only
// consumes them.
type Repository struct {
	students *mongo.Collection
	classes  *mongo.Collection
	invoices *mongo.Collection
}

// NewRepository creates a repo over the shared database handle.
func NewRepository(db *mongo.Database) *Repository {
	return &Repository{
		students: db.Collection(store.StudentCollection),
		classes:  db.Collection(store.ClassCollection),
		invoices: db.Collection(store.InvoiceCollection),
	}
}

// GetStudent returns a student by business id, or nil when unknown.
func (r *Repository) GetStudent(ctx context.Context, studentID string) (*Student, error) {
	var s Student
	err := r.students.FindOne(ctx, bson.M{"student_id": studentID}).Decode(&s)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListEnrolled returns every student enrolled in classID, whichever shape
// the enrollment reference was stored in.
func (r *Repository) ListEnrolled(ctx context.Context, classID string) ([]Student, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"classes": classID},
		bson.M{"classes._id": classID},
		bson.M{"classes.class_id": classID},
	}}
	cur, err := r.students.Find(ctx, filter, options.Find().SetSort(bson.M{"name": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var students []Student
	if err := cur.All(ctx, &students); err != nil {
		return nil, err
	}
	return students, nil
}

// GetClass returns a class by business id, or nil when unknown.
func (r *Repository) GetClass(ctx context.Context, classID string) (*Class, error) {
	var c Class
	err := r.classes.FindOne(ctx, bson.M{"class_id": classID}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListClasses returns all classes.
func (r *Repository) ListClasses(ctx context.Context) ([]Class, error) {
	cur, err := r.classes.Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"name": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var classes []Class
	if err := cur.All(ctx, &classes); err != nil {
		return nil, err
	}
	return classes, nil
}

// FeeStatus reports the student's latest invoice status. The payment
// collaborator is unrelated to attendance, so any failure here degrades to
// FeeUnknown instead of failing the caller.
func (r *Repository) FeeStatus(ctx context.Context, studentID string) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var inv struct {
		Status string `bson:"status"`
	}
	err := r.invoices.FindOne(ctx, bson.M{"student_id": studentID},
		options.FindOne().SetSort(bson.M{"issued_at": -1})).Decode(&inv)
	if err != nil || inv.Status == "" {
		return FeeUnknown
	}
	return inv.Status
}
