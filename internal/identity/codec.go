package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PayloadType is the tag every scannable identity token must carry.
const PayloadType = "student_attendance"

// Decode errors. The capture layer treats all of these as non-fatal: the
// session surfaces a message and resumes scanning.
var (
	ErrInvalidPayload  = errors.New("invalid identity payload")
	ErrMissingType     = errors.New("identity payload missing type")
	ErrUnsupportedType = errors.New("unsupported identity payload type")
)

// Payload is the decoded content of a scanned code. It is never persisted;
// it exists only between a frame decode and the mark confirmation.
type Payload struct {
	StudentID   string    `json:"studentId"`
	StudentName string    `json:"studentName,omitempty"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
}

// Encode produces the token content embedded in a printed or displayed code.
func Encode(studentID, studentName string) (string, error) {
	if studentID == "" {
		return "", fmt.Errorf("%w: empty student id", ErrInvalidPayload)
	}
	raw, err := json.Marshal(Payload{
		StudentID:   studentID,
		StudentName: studentName,
		Type:        PayloadType,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Decode normalizes a scanned value into a Payload. Scanners hand us either
// the raw token string or an already-parsed object, and some producers write
// the id field as "studentID" instead of "studentId"; both are accepted here
// so nothing downstream has to care.
func Decode(raw any) (Payload, error) {
	fields, err := toFields(raw)
	if err != nil {
		return Payload{}, err
	}

	typ, ok := fields["type"].(string)
	if !ok || typ == "" {
		if _, present := fields["type"]; !present {
			return Payload{}, ErrMissingType
		}
		return Payload{}, fmt.Errorf("%w: %v", ErrUnsupportedType, fields["type"])
	}
	if typ != PayloadType {
		return Payload{}, fmt.Errorf("%w: %q", ErrUnsupportedType, typ)
	}

	id := stringField(fields, "studentId")
	if id == "" {
		id = stringField(fields, "studentID")
	}
	if id == "" {
		return Payload{}, fmt.Errorf("%w: no student id", ErrInvalidPayload)
	}

	p := Payload{
		StudentID:   id,
		StudentName: stringField(fields, "studentName"),
		Type:        typ,
	}
	if ts := stringField(fields, "timestamp"); ts != "" {
		// Informational only; a bad timestamp does not invalidate the scan.
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.Timestamp = t
		}
	}
	return p, nil
}

func toFields(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case []byte:
		return parseFields(v)
	case string:
		return parseFields([]byte(v))
	default:
		return nil, fmt.Errorf("%w: unexpected input %T", ErrInvalidPayload, raw)
	}
}

func parseFields(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return fields, nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
