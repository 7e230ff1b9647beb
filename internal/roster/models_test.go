package roster

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestClassRefJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare id", `"c1"`, "c1"},
		{"expanded underscore id", `{"_id":"c1","name":"Algebra"}`, "c1"},
		{"expanded plain id", `{"id":"c1"}`, "c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ref ClassRef
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ref))
			assert.Equal(t, tt.want, ref.ID)
			assert.True(t, ref.Matches("c1"))
			assert.False(t, ref.Matches("c2"))
		})
	}
}

func TestClassRefJSONRoundTrip(t *testing.T) {
	out, err := json.Marshal(ClassRef{ID: "c9"})
	require.NoError(t, err)
	assert.Equal(t, `"c9"`, string(out))
}

func TestClassRefBSON(t *testing.T) {
	oid := primitive.NewObjectID()

	tests := []struct {
		name string
		doc  bson.M
		want string
	}{
		{"bare string", bson.M{"ref": "c1"}, "c1"},
		{"bare object id", bson.M{"ref": oid}, oid.Hex()},
		{"expanded with string id", bson.M{"ref": bson.M{"_id": "c1", "name": "Algebra"}}, "c1"},
		{"expanded with object id", bson.M{"ref": bson.M{"_id": oid}}, oid.Hex()},
		{"expanded with class_id", bson.M{"ref": bson.M{"class_id": "c1"}}, "c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bson.Marshal(tt.doc)
			require.NoError(t, err)

			var holder struct {
				Ref ClassRef `bson:"ref"`
			}
			require.NoError(t, bson.Unmarshal(raw, &holder))
			assert.Equal(t, tt.want, holder.Ref.ID)
		})
	}
}

func TestIsEnrolledSameAnswerForBothShapes(t *testing.T) {
	fromBare := Student{StudentID: "s1", Classes: []ClassRef{{ID: "c1"}}}

	var fromExpanded Student
	blob := `{"studentId":"s1","name":"x","classes":[{"_id":"c1","name":"Algebra"}]}`
	require.NoError(t, json.Unmarshal([]byte(blob), &fromExpanded))

	assert.Equal(t, fromBare.IsEnrolled("c1"), fromExpanded.IsEnrolled("c1"))
	assert.True(t, fromExpanded.IsEnrolled("c1"))
	assert.False(t, fromExpanded.IsEnrolled("c2"))
}

func TestStudentBSONRoundTripNormalizesRefs(t *testing.T) {
	s := Student{StudentID: "s1", Name: "Ada", Classes: []ClassRef{{ID: "c1"}, {ID: "c2"}}}
	raw, err := bson.Marshal(s)
	require.NoError(t, err)

	var back Student
	require.NoError(t, bson.Unmarshal(raw, &back))
	assert.Equal(t, s.Classes, back.Classes)
}
