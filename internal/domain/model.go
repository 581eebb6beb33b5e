package domain

import (
	"strings"
	"sync"
	"time"
)

// Transaction is one entry of the gateway settlement ledger.
type Transaction struct {
	TransactionKey string `json:"transactionKey"`
	OrderID        string `json:"orderId"`
	PaymentKey     string `json:"paymentKey"`
	Status         string `json:"status"`
	Method         string `json:"method"`
	Amount         int64  `json:"amount"`
	TotalAmount    int64  `json:"totalAmount"`
	OrderName      string `json:"orderName"`
	TransactionAt  string `json:"transactionAt"`
}

// SettledAmount prefers totalAmount and falls back to the ledger amount.
func (t Transaction) SettledAmount() int64 {
	if t.TotalAmount != 0 {
		return t.TotalAmount
	}
	return t.Amount
}

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Receipt struct {
	CustomerEmail string `json:"customerEmail"`
}

type VirtualAccount struct {
	CustomerEmail string `json:"customerEmail"`
}

// TransactionDetail is the full payment record fetched by payment key. The
// purchaser email may live in any of several places depending on method and
// API version.
type TransactionDetail struct {
	PaymentKey     string          `json:"paymentKey"`
	OrderID        string          `json:"orderId"`
	OrderName      string          `json:"orderName"`
	TotalAmount    int64           `json:"totalAmount"`
	Customer       *Customer       `json:"customer"`
	CustomerEmail  string          `json:"customerEmail"`
	CustomerName   string          `json:"customerName"`
	Receipt        *Receipt        `json:"receipt"`
	VirtualAccount *VirtualAccount `json:"virtualAccount"`
}

type CourseMapping struct {
	MatchKey   string `yaml:"match_key" json:"match_key"`
	CourseID   string `yaml:"course_id" json:"course_id"`
	CourseName string `yaml:"course_name" json:"course_name"`
}

type AmountRule struct {
	Amount     int64  `yaml:"amount" json:"amount"`
	CourseID   string `yaml:"course_id" json:"course_id"`
	CourseName string `yaml:"course_name" json:"course_name"`
}

// Catalog is the static product to course table.
type Catalog struct {
	Products []CourseMapping `yaml:"products" json:"products"`
	Amounts  []AmountRule    `yaml:"amounts" json:"amounts"`
}

// UserRecord is a row of the directory users table. ETag is the version
// token returned by the read and required by every write.
type UserRecord struct {
	PartitionKey    string
	RowKey          string
	Email           string
	EnrolledCourses string
	ETag            string
}

type EnrollmentStatus string

const (
	EnrollmentActive EnrollmentStatus = "active"
)

type Enrollment struct {
	CourseID   string           `json:"courseId"`
	CourseName string           `json:"courseName"`
	EnrolledAt string           `json:"enrolledAt"`
	PaymentID  string           `json:"paymentId"`
	Status     EnrollmentStatus `json:"status"`
	Progress   int              `json:"progress"`
}

// MatchKind tags how a course was resolved from a transaction.
type MatchKind string

const (
	MatchExact          MatchKind = "exact"
	MatchSubstring      MatchKind = "substring"
	MatchAmountFallback MatchKind = "amount_fallback"
	MatchUnresolved     MatchKind = "unresolved"
)

// LowConfidence reports whether the match needs manual review.
func (m MatchKind) LowConfidence() bool {
	return m == MatchSubstring || m == MatchAmountFallback
}

type Resolution struct {
	Kind       MatchKind
	CourseID   string
	CourseName string
}

func (r Resolution) Resolved() bool {
	return r.Kind != MatchUnresolved && r.Kind != ""
}

type OutcomeState string

const (
	StateSuccess OutcomeState = "success"
	StateSkipped OutcomeState = "skipped"
	StateNoUser  OutcomeState = "no_user"
	StateFailed  OutcomeState = "failed"
)

const (
	ReasonDetailUnavailable = "detail unavailable"
	ReasonInvalidEntry      = "invalid ledger entry"
	ReasonNoIdentity        = "no identity"
	ReasonUnknownProduct    = "unknown product"
	ReasonAlreadyEnrolled   = "already enrolled"
	ReasonUserNotFound      = "user not found"
	ReasonDirectoryError    = "directory lookup failed"
	ReasonDuplicateIdentity = "duplicate identity"
	ReasonMalformedRecord   = "malformed enrollment record"
	ReasonWriteFailed       = "write failed"
	ReasonEnrolled          = "enrolled"
	ReasonWouldEnroll       = "would enroll"
)

// Outcome is the terminal classification of one transaction.
type Outcome struct {
	OrderID    string
	PaymentKey string
	Email      string
	CourseID   string
	CourseName string
	Match      MatchKind
	State      OutcomeState
	Reason     string
	Err        error
}

type RunResult struct {
	Success  int
	Skipped  int
	NoUser   int
	Failed   int
	Outcomes []Outcome
}

func (r *RunResult) Record(o Outcome) {
	switch o.State {
	case StateSuccess:
		r.Success++
	case StateSkipped:
		r.Skipped++
	case StateNoUser:
		r.NoUser++
	case StateFailed:
		r.Failed++
	}
	r.Outcomes = append(r.Outcomes, o)
}

func (r *RunResult) Total() int {
	return r.Success + r.Skipped + r.NoUser + r.Failed
}

type Mode string

const (
	ModeDryRun Mode = "dry-run"
	ModeLive   Mode = "live"
)

const DateLayout = "2006-01-02"

// Window is a half-open date range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) StartDate() string { return w.Start.Format(DateLayout) }
func (w Window) EndDate() string   { return w.End.Format(DateLayout) }

// KST is the fixed UTC+9 reference used for day boundaries.
var KST = time.FixedZone("KST", 9*60*60)

// LookbackWindow returns the window covering the last days calendar days in
// KST, today included. days below 1 is treated as 1.
func LookbackWindow(now time.Time, days int) Window {
	if days < 1 {
		days = 1
	}
	local := now.In(KST)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, KST)
	return Window{
		Start: today.AddDate(0, 0, -(days - 1)),
		End:   today.AddDate(0, 0, 1),
	}
}

// RunContext carries the per-invocation state through the pipeline.
type RunContext struct {
	RunID     string
	Mode      Mode
	Window    Window
	StartedAt time.Time
	Result    RunResult

	mu      sync.Mutex
	planned map[string]map[string]struct{}
}

func NewRunContext(runID string, mode Mode, window Window, startedAt time.Time) *RunContext {
	return &RunContext{
		RunID:     runID,
		Mode:      mode,
		Window:    window,
		StartedAt: startedAt,
		planned:   make(map[string]map[string]struct{}),
	}
}

func (rc *RunContext) DryRun() bool { return rc.Mode != ModeLive }

// IdentityKey is the form of a purchaser email used to decide whether two
// transactions belong to the same purchaser.
func IdentityKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Plan remembers a dry-run enrollment so later transactions of the same
// purchaser see it. It reports false if the pair was already planned.
func (rc *RunContext) Plan(email, courseID string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.planned == nil {
		rc.planned = make(map[string]map[string]struct{})
	}
	key := IdentityKey(email)
	courses, ok := rc.planned[key]
	if !ok {
		courses = make(map[string]struct{})
		rc.planned[key] = courses
	}
	if _, dup := courses[courseID]; dup {
		return false
	}
	courses[courseID] = struct{}{}
	return true
}

// EnrollmentEvent announces an enrollment granted by a live run.
type EnrollmentEvent struct {
	RunID      string    `json:"run_id"`
	OrderID    string    `json:"order_id"`
	PaymentKey string    `json:"payment_key"`
	Email      string    `json:"email"`
	CourseID   string    `json:"course_id"`
	CourseName string    `json:"course_name"`
	Match      MatchKind `json:"match"`
	EnrolledAt string    `json:"enrolled_at"`
}
