package roster

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ClassRef is a reference to a class as found on an enrollment. Depending on
// which fetch path populated the document, the reference is either a bare id
// string or an expanded class object; ClassRef absorbs both so enrollment
// checks are always a plain id comparison.
type ClassRef struct {
	ID string
}

// Matches reports whether the reference points at classID.
func (r ClassRef) Matches(classID string) bool {
	return r.ID != "" && r.ID == classID
}

// UnmarshalJSON accepts "c1" as well as {"_id":"c1"} / {"id":"c1"}.
func (r *ClassRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.ID = s
		return nil
	}
	var obj struct {
		UnderscoreID string `json:"_id"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("class ref: %w", err)
	}
	if obj.UnderscoreID != "" {
		r.ID = obj.UnderscoreID
	} else {
		r.ID = obj.ID
	}
	return nil
}

// MarshalJSON always writes the normalized bare id.
func (r ClassRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ID)
}

// UnmarshalBSONValue accepts a string, an ObjectID, or an expanded document.
func (r *ClassRef) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	rv := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.String:
		r.ID = rv.StringValue()
		return nil
	case bsontype.ObjectID:
		r.ID = rv.ObjectID().Hex()
		return nil
	case bsontype.EmbeddedDocument:
		var doc bson.Raw
		if err := rv.Unmarshal(&doc); err != nil {
			return err
		}
		for _, key := range []string{"_id", "class_id", "id"} {
			if val, err := doc.LookupErr(key); err == nil {
				switch val.Type {
				case bsontype.String:
					r.ID = val.StringValue()
				case bsontype.ObjectID:
					r.ID = val.ObjectID().Hex()
				}
				if r.ID != "" {
					return nil
				}
			}
		}
		return fmt.Errorf("class ref document has no id field")
	default:
		return fmt.Errorf("class ref: unexpected bson type %s", t)
	}
}

// MarshalBSONValue always writes the normalized bare id.
func (r ClassRef) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(r.ID)
}

// Student is a student record as held by the student-record collaborator.
type Student struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	StudentID string             `bson:"student_id" json:"studentId"`
	Name      string             `bson:"name" json:"name"`
	Email     string             `bson:"email,omitempty" json:"email,omitempty"`
	Classes   []ClassRef         `bson:"classes,omitempty" json:"classes,omitempty"`
	CreatedAt time.Time          `bson:"created_at" json:"createdAt"`
}

// IsEnrolled reports whether the student has an enrollment for classID,
// regardless of which representation the enrollment was stored in.
func (s Student) IsEnrolled(classID string) bool {
	for _, ref := range s.Classes {
		if ref.Matches(classID) {
			return true
		}
	}
	return false
}

// Class is a class record as held by the class-record collaborator.
type Class struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ClassID   string             `bson:"class_id" json:"classId"`
	Name      string             `bson:"name" json:"name"`
	Subject   string             `bson:"subject,omitempty" json:"subject,omitempty"`
	TeacherID string             `bson:"teacher_id,omitempty" json:"teacherId,omitempty"`
	CreatedAt time.Time          `bson:"created_at" json:"createdAt"`
}

// Fee status values reported by the payment collaborator.
const (
	FeePaid    = "paid"
	FeeDue     = "due"
	FeeUnknown = "unknown"
)
