package enrollment

import (
	"bytes"
	"encoding/json"
	"enrollment-reconciler/internal/domain"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAlreadyEnrolled = errors.New("already enrolled")
	ErrMalformedBlob   = errors.New("malformed enrolled courses")
	ErrEmptyCourseID   = errors.New("course ID is empty")
)

const enrollmentsField = "enrollments"

// Merger appends enrollments to the serialized enrolledCourses document of a
// user record. Fields it does not own are carried through untouched.
type Merger struct {
	now func() time.Time
}

func NewMerger(now func() time.Time) *Merger {
	if now == nil {
		now = time.Now
	}
	return &Merger{now: now}
}

// NewEnrollment builds the entry granted for a settled payment.
func (m *Merger) NewEnrollment(courseID, courseName, paymentID string) domain.Enrollment {
	return domain.Enrollment{
		CourseID:   courseID,
		CourseName: courseName,
		EnrolledAt: m.now().UTC().Format(time.RFC3339),
		PaymentID:  paymentID,
		Status:     domain.EnrollmentActive,
		Progress:   0,
	}
}

// Merge returns blob with e appended. It returns ErrAlreadyEnrolled when the
// course is already present, leaving blob unchanged.
func (m *Merger) Merge(blob string, e domain.Enrollment) (string, error) {
	if strings.TrimSpace(e.CourseID) == "" {
		return "", ErrEmptyCourseID
	}

	doc, entries, err := decode(blob)
	if err != nil {
		return "", err
	}

	for _, raw := range entries {
		id, err := courseIDOf(raw)
		if err != nil {
			return "", err
		}
		if id == e.CourseID {
			return "", ErrAlreadyEnrolled
		}
	}

	encoded, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode enrollment: %w", err)
	}
	entries = append(entries, encoded)

	list, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode enrollments: %w", err)
	}
	doc[enrollmentsField] = list

	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode enrolled courses: %w", err)
	}
	return string(out), nil
}

// CourseIDs lists the enrolled course IDs in stored order.
func CourseIDs(blob string) ([]string, error) {
	_, entries, err := decode(blob)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, raw := range entries {
		id, err := courseIDOf(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func decode(blob string) (map[string]json.RawMessage, []json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	if strings.TrimSpace(blob) == "" {
		return doc, nil, nil
	}
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if doc == nil {
		// blob was the JSON literal null
		doc = make(map[string]json.RawMessage)
	}

	var entries []json.RawMessage
	if raw, ok := doc[enrollmentsField]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, nil, fmt.Errorf("%w: enrollments: %v", ErrMalformedBlob, err)
		}
	}
	return doc, entries, nil
}

// courseIDOf reads courseId as written by either the storefront (string) or
// older admin tooling (number).
func courseIDOf(raw json.RawMessage) (string, error) {
	var entry struct {
		CourseID json.RawMessage `json:"courseId"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", fmt.Errorf("%w: enrollment entry: %v", ErrMalformedBlob, err)
	}
	if len(entry.CourseID) == 0 || isNull(entry.CourseID) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(entry.CourseID, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(entry.CourseID))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("%w: courseId %s", ErrMalformedBlob, entry.CourseID)
	}
	return n.String(), nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
