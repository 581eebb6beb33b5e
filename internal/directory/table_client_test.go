package directory

import (
	"context"
	"encoding/json"
	"enrollment-reconciler/internal/domain"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
)

const testSAS = "sp=raud&sv=2024-11-04&sig=abc%3D&tn=users"

var entityPath = regexp.MustCompile(`^/users\(PartitionKey='(.*)',RowKey='(.*)'\)$`)

type tableRow struct {
	pk, rk, email, courses string
	version                int
}

func (r *tableRow) etag() string {
	return fmt.Sprintf(`W/"datetime'v%d'"`, r.version)
}

type fakeTable struct {
	mu       sync.Mutex
	rows     []*tableRow
	merges   int
	paged    bool // serve each row on its own continuation page
	failList bool
	lastSAS  string
}

func tableError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-ms-error-code", code)
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"odata.error":{"code":%q,"message":{"lang":"en-US","value":"%s"}}}`, code, code)
}

func (f *fakeTable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSAS = r.URL.Query().Get("sig")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/users()":
		if f.failList {
			tableError(w, http.StatusServiceUnavailable, "ServerBusy")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		filter := r.URL.Query().Get("$filter")
		want := strings.ReplaceAll(filter[strings.Index(filter, "'")+1:strings.LastIndex(filter, "'")], "''", "'")
		var matches []map[string]any
		for _, row := range f.rows {
			if row.email == want {
				matches = append(matches, map[string]any{
					"odata.etag":      row.etag(),
					"PartitionKey":    row.pk,
					"RowKey":          row.rk,
					"email":           row.email,
					"enrolledCourses": row.courses,
				})
			}
		}
		if f.paged && len(matches) > 1 && r.URL.Query().Get("NextPartitionKey") == "" {
			w.Header().Set("x-ms-continuation-NextPartitionKey", "next")
			w.Header().Set("x-ms-continuation-NextRowKey", "row")
			json.NewEncoder(w).Encode(map[string]any{"value": matches[:1]})
			return
		}
		if f.paged && r.URL.Query().Get("NextPartitionKey") != "" {
			matches = matches[1:]
		}
		json.NewEncoder(w).Encode(map[string]any{"value": matches})

	case r.Method == http.MethodPatch || r.Method == "MERGE":
		m := entityPath.FindStringSubmatch(r.URL.Path)
		if m == nil {
			tableError(w, http.StatusBadRequest, "InvalidInput")
			return
		}
		pk, rk := strings.ReplaceAll(m[1], "''", "'"), strings.ReplaceAll(m[2], "''", "'")
		for _, row := range f.rows {
			if row.pk != pk || row.rk != rk {
				continue
			}
			if r.Header.Get("If-Match") != row.etag() {
				tableError(w, http.StatusPreconditionFailed, "UpdateConditionNotSatisfied")
				return
			}
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			courses, _ := body["enrolledCourses"].(string)
			row.courses = courses
			row.version++
			f.merges++
			w.Header().Set("ETag", row.etag())
			w.WriteHeader(http.StatusNoContent)
			return
		}
		tableError(w, http.StatusNotFound, "ResourceNotFound")

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestTable(t *testing.T, f *fakeTable) *TableClient {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := NewTableClient(srv.URL+"/users?"+testSAS, srv.Client())
	if err != nil {
		t.Fatalf("new table client: %v", err)
	}
	return c
}

func TestFindByEmail(t *testing.T) {
	f := &fakeTable{rows: []*tableRow{
		{pk: "user", rk: "a@x.com", email: "a@x.com", courses: `{"enrollments":[]}`, version: 1},
		{pk: "user", rk: "o'brien@x.com", email: "o'brien@x.com", version: 1},
	}}
	c := newTestTable(t, f)

	rec, err := c.FindByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.PartitionKey != "user" || rec.RowKey != "a@x.com" || rec.ETag == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.EnrolledCourses != `{"enrollments":[]}` {
		t.Fatalf("unexpected blob %q", rec.EnrolledCourses)
	}
	if f.lastSAS != "abc=" {
		t.Fatalf("SAS signature not forwarded, got %q", f.lastSAS)
	}

	quoted, err := c.FindByEmail(context.Background(), "o'brien@x.com")
	if err != nil {
		t.Fatalf("find quoted: %v", err)
	}
	if quoted.RowKey != "o'brien@x.com" {
		t.Fatalf("unexpected record %+v", quoted)
	}
}

func TestFindByEmailNotFound(t *testing.T) {
	c := newTestTable(t, &fakeTable{})
	if _, err := c.FindByEmail(context.Background(), "nobody@x.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestFindByEmailDuplicate(t *testing.T) {
	for _, paged := range []bool{false, true} {
		f := &fakeTable{paged: paged, rows: []*tableRow{
			{pk: "user", rk: "1", email: "dup@x.com", version: 1},
			{pk: "user", rk: "2", email: "dup@x.com", version: 1},
		}}
		c := newTestTable(t, f)
		if _, err := c.FindByEmail(context.Background(), "dup@x.com"); !errors.Is(err, ErrDuplicateIdentity) {
			t.Fatalf("paged=%v: expected ErrDuplicateIdentity, got %v", paged, err)
		}
	}
}

func TestFindByEmailServiceError(t *testing.T) {
	c := newTestTable(t, &fakeTable{failList: true})
	_, err := c.FindByEmail(context.Background(), "a@x.com")
	if err == nil || errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected a lookup failure distinct from not found, got %v", err)
	}
}

func TestMergeEnrollments(t *testing.T) {
	f := &fakeTable{rows: []*tableRow{{pk: "user", rk: "a@x.com", email: "a@x.com", version: 1}}}
	c := newTestTable(t, f)

	rec, err := c.FindByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	etag, err := c.MergeEnrollments(context.Background(), rec, `{"enrollments":[{"courseId":"999"}]}`)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if etag == "" || etag == rec.ETag {
		t.Fatalf("expected a new version token, got %q", etag)
	}
	if f.rows[0].courses != `{"enrollments":[{"courseId":"999"}]}` {
		t.Fatalf("blob not stored: %q", f.rows[0].courses)
	}
}

func TestMergeEnrollmentsConflict(t *testing.T) {
	f := &fakeTable{rows: []*tableRow{{pk: "user", rk: "a@x.com", email: "a@x.com", version: 1}}}
	c := newTestTable(t, f)

	stale, err := c.FindByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	f.rows[0].version++ // concurrent writer

	_, err = c.MergeEnrollments(context.Background(), stale, `{"enrollments":[]}`)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var we *WriteError
	if !errors.As(err, &we) || we.Code != "UpdateConditionNotSatisfied" {
		t.Fatalf("expected WriteError with table code, got %v", err)
	}
	if f.merges != 0 {
		t.Fatalf("stale write must not apply, got %d merges", f.merges)
	}
}

func TestMergeEnrollmentsRequiresVersion(t *testing.T) {
	c := newTestTable(t, &fakeTable{})
	_, err := c.MergeEnrollments(context.Background(), &domain.UserRecord{PartitionKey: "user", RowKey: "a"}, "{}")
	if !errors.Is(err, ErrMissingVersion) {
		t.Fatalf("expected ErrMissingVersion, got %v", err)
	}
}

func TestMergeEnrollmentsUnknownRow(t *testing.T) {
	c := newTestTable(t, &fakeTable{})
	_, err := c.MergeEnrollments(context.Background(), &domain.UserRecord{PartitionKey: "user", RowKey: "gone", ETag: "x"}, "{}")
	var we *WriteError
	if !errors.As(err, &we) || we.StatusCode != http.StatusNotFound || we.Code != "ResourceNotFound" {
		t.Fatalf("expected 404 WriteError, got %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Fatal("404 must not be reported as a conflict")
	}
}

func TestNewTableClientRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "https://acct.table.core.windows.net"} {
		if _, err := NewTableClient(raw, nil); !errors.Is(err, ErrInvalidSASURL) {
			t.Fatalf("%q: expected ErrInvalidSASURL, got %v", raw, err)
		}
	}
}

func TestBlobString(t *testing.T) {
	tests := map[string]string{
		``:                           "",
		`null`:                       "",
		`"{\"enrollments\":[]}"`:     `{"enrollments":[]}`,
		`{"enrollments":[]}`:         `{"enrollments":[]}`,
	}
	for raw, want := range tests {
		got, err := blobString(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("%q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%q: got %q, want %q", raw, got, want)
		}
	}
}
