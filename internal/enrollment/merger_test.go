package enrollment

import (
	"encoding/json"
	"enrollment-reconciler/internal/domain"
	"errors"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 10, 15, 3, 4, 5, 0, time.UTC)

func newTestMerger() *Merger {
	return NewMerger(func() time.Time { return fixedNow })
}

func TestMergeIntoEmptyBlob(t *testing.T) {
	m := newTestMerger()

	for _, blob := range []string{"", "  ", "{}", `{"enrollments":null}`, "null"} {
		out, err := m.Merge(blob, m.NewEnrollment("999", "AI 건물주 되기", "order-1"))
		if err != nil {
			t.Fatalf("merge %q: %v", blob, err)
		}

		var doc struct {
			Enrollments []domain.Enrollment `json:"enrollments"`
		}
		if err := json.Unmarshal([]byte(out), &doc); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if len(doc.Enrollments) != 1 {
			t.Fatalf("expected 1 enrollment, got %d", len(doc.Enrollments))
		}
		got := doc.Enrollments[0]
		if got.CourseID != "999" || got.Status != domain.EnrollmentActive || got.Progress != 0 {
			t.Fatalf("unexpected enrollment %+v", got)
		}
		if got.PaymentID != "order-1" {
			t.Fatalf("expected payment reference order-1, got %q", got.PaymentID)
		}
		if got.EnrolledAt != "2026-10-15T03:04:05Z" {
			t.Fatalf("unexpected enrolledAt %q", got.EnrolledAt)
		}
	}
}

func TestMergeAlreadyEnrolled(t *testing.T) {
	m := newTestMerger()
	tests := []struct {
		name string
		blob string
	}{
		{name: "string id", blob: `{"enrollments":[{"courseId":"999","progress":40}]}`},
		{name: "numeric id", blob: `{"enrollments":[{"courseId":999}]}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := m.Merge(tc.blob, m.NewEnrollment("999", "AI 건물주 되기", "order-2"))
			if !errors.Is(err, ErrAlreadyEnrolled) {
				t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
			}
			if out != "" {
				t.Fatalf("expected no output, got %q", out)
			}
		})
	}
}

func TestMergePreservesForeignFields(t *testing.T) {
	m := newTestMerger()
	blob := `{"enrollments":[{"courseId":"1002","progress":55,"lastLesson":"day-3"}],"favorites":["a"]}`

	out, err := m.Merge(blob, m.NewEnrollment("999", "AI 건물주 되기", "order-3"))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	var doc struct {
		Enrollments []map[string]any `json:"enrollments"`
		Favorites   []string         `json:"favorites"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Favorites) != 1 || doc.Favorites[0] != "a" {
		t.Fatalf("favorites lost: %+v", doc.Favorites)
	}
	if len(doc.Enrollments) != 2 {
		t.Fatalf("expected 2 enrollments, got %d", len(doc.Enrollments))
	}
	if doc.Enrollments[0]["lastLesson"] != "day-3" || doc.Enrollments[0]["progress"] != float64(55) {
		t.Fatalf("existing entry changed: %+v", doc.Enrollments[0])
	}
	if doc.Enrollments[1]["courseId"] != "999" {
		t.Fatalf("new entry not appended last: %+v", doc.Enrollments[1])
	}
}

func TestMergeKeepsCourseIDsUnique(t *testing.T) {
	m := newTestMerger()
	blob := ""
	courses := []string{"999", "1002", "999", "1002", "999"}

	for _, id := range courses {
		out, err := m.Merge(blob, m.NewEnrollment(id, "", "order"))
		if errors.Is(err, ErrAlreadyEnrolled) {
			continue
		}
		if err != nil {
			t.Fatalf("merge %s: %v", id, err)
		}
		blob = out
	}

	ids, err := CourseIDs(blob)
	if err != nil {
		t.Fatalf("course ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "999" || ids[1] != "1002" {
		t.Fatalf("unexpected course ids %v", ids)
	}
}

func TestMergeMalformed(t *testing.T) {
	m := newTestMerger()
	for _, blob := range []string{"{not json", `{"enrollments":{}}`, `{"enrollments":[{"courseId":true}]}`, `{"enrollments":[1]}`} {
		if _, err := m.Merge(blob, m.NewEnrollment("999", "", "o")); !errors.Is(err, ErrMalformedBlob) {
			t.Fatalf("blob %q: expected ErrMalformedBlob, got %v", blob, err)
		}
	}
}

func TestMergeRequiresCourseID(t *testing.T) {
	m := newTestMerger()
	if _, err := m.Merge("", m.NewEnrollment(" ", "", "o")); !errors.Is(err, ErrEmptyCourseID) {
		t.Fatalf("expected ErrEmptyCourseID, got %v", err)
	}
}
