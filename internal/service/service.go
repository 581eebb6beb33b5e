package service

import (
	"context"
	"enrollment-reconciler/internal/directory"
	"enrollment-reconciler/internal/domain"
	"enrollment-reconciler/internal/enrollment"
	"enrollment-reconciler/internal/validator"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// TransactionFetcher returns the settlement ledger for a window.
type TransactionFetcher interface {
	FetchTransactions(ctx context.Context, window domain.Window) ([]domain.Transaction, error)
}

// DetailFetcher returns the full payment record for a payment key.
type DetailFetcher interface {
	GetPaymentDetail(ctx context.Context, paymentKey string) (*domain.TransactionDetail, error)
}

type CourseResolver interface {
	Resolve(orderName string, amount int64) domain.Resolution
}

// UserDirectory reads users by identity and writes their enrollments back
// under optimistic concurrency.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (*domain.UserRecord, error)
	MergeEnrollments(ctx context.Context, rec *domain.UserRecord, blob string) (string, error)
}

// OutcomeRepository persists per-transaction outcomes for audit.
type OutcomeRepository interface {
	SaveOutcome(ctx context.Context, runID string, o domain.Outcome) error
}

type EventPublisher interface {
	PublishEnrollment(ctx context.Context, event domain.EnrollmentEvent) error
}

type OutcomeObserver interface {
	ObserveOutcome(o domain.Outcome)
}

type Option func(*reconciliationService)

func WithOutcomeRepository(r OutcomeRepository) Option {
	return func(s *reconciliationService) { s.outcomes = r }
}

func WithEventPublisher(p EventPublisher) Option {
	return func(s *reconciliationService) { s.publisher = p }
}

func WithObserver(o OutcomeObserver) Option {
	return func(s *reconciliationService) { s.observer = o }
}

// WithWorkers shards the directory phase across n workers by purchaser.
func WithWorkers(n int) Option {
	return func(s *reconciliationService) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithMaxConflictRetries(n int) Option {
	return func(s *reconciliationService) {
		if n >= 0 {
			s.maxConflictRetries = n
		}
	}
}

func WithIdentityExtractors(ex []validator.IdentityExtractor) Option {
	return func(s *reconciliationService) { s.extractors = ex }
}

type reconciliationService struct {
	fetcher   TransactionFetcher
	details   DetailFetcher
	resolver  CourseResolver
	directory UserDirectory
	merger    *enrollment.Merger

	outcomes  OutcomeRepository
	publisher EventPublisher
	observer  OutcomeObserver

	extractors         []validator.IdentityExtractor
	workers            int
	maxConflictRetries int
}

func NewReconciliationService(
	fetcher TransactionFetcher,
	details DetailFetcher,
	resolver CourseResolver,
	dir UserDirectory,
	merger *enrollment.Merger,
	opts ...Option,
) *reconciliationService {
	s := &reconciliationService{
		fetcher:            fetcher,
		details:            details,
		resolver:           resolver,
		directory:          dir,
		merger:             merger,
		extractors:         validator.DefaultIdentityExtractors,
		workers:            1,
		maxConflictRetries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// job is a transaction that passed enrichment and course resolution and now
// needs the directory.
type job struct {
	index      int
	orderID    string
	paymentKey string
	email      string
	resolution domain.Resolution
}

func (j job) outcome(state domain.OutcomeState, reason string, err error) domain.Outcome {
	return domain.Outcome{
		OrderID:    j.orderID,
		PaymentKey: j.paymentKey,
		Email:      j.email,
		CourseID:   j.resolution.CourseID,
		CourseName: j.resolution.CourseName,
		Match:      j.resolution.Kind,
		State:      state,
		Reason:     reason,
		Err:        err,
	}
}

// Run reconciles every settled transfer of rc.Window into the directory.
// Only a ledger fetch failure or cancellation aborts the run; per-transaction
// problems are classified into rc.Result.
func (s *reconciliationService) Run(ctx context.Context, rc *domain.RunContext) error {
	logCtx := log.WithFields(log.Fields{
		"run_id": rc.RunID,
		"mode":   rc.Mode,
		"start":  rc.Window.StartDate(),
		"end":    rc.Window.EndDate(),
	})
	logCtx.Info("Fetching settlement ledger")

	txs, err := s.fetcher.FetchTransactions(ctx, rc.Window)
	if err != nil {
		return fmt.Errorf("fetch transactions: %w", err)
	}

	eligible := validator.FilterSettled(txs)
	logCtx.WithFields(log.Fields{
		"fetched":  len(txs),
		"eligible": len(eligible),
	}).Info("Filtered settled bank transfers")

	if s.workers <= 1 {
		return s.runSequential(ctx, rc, eligible)
	}
	return s.runSharded(ctx, rc, eligible)
}

func (s *reconciliationService) runSequential(ctx context.Context, rc *domain.RunContext, txs []domain.Transaction) error {
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run interrupted after %d of %d transactions: %w", i, len(txs), err)
		}

		j, skipped := s.prepare(ctx, i, tx)
		var o domain.Outcome
		if skipped != nil {
			o = *skipped
		} else {
			o = s.apply(ctx, rc, j)
		}
		s.finish(ctx, rc, o)
		rc.Result.Record(o)
	}
	return nil
}

// runSharded enriches sequentially, then hands the directory phase to
// workers keyed by purchaser so one user's writes never race.
func (s *reconciliationService) runSharded(ctx context.Context, rc *domain.RunContext, txs []domain.Transaction) error {
	results := make([]*domain.Outcome, len(txs))
	shards := make([][]job, s.workers)

	var interrupted error
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			interrupted = fmt.Errorf("run interrupted after %d of %d transactions: %w", i, len(txs), err)
			break
		}
		j, skipped := s.prepare(ctx, i, tx)
		if skipped != nil {
			results[i] = skipped
			continue
		}
		n := shardFor(j.email, s.workers)
		shards[n] = append(shards[n], j)
	}

	if interrupted == nil {
		var wg sync.WaitGroup
		for _, shard := range shards {
			if len(shard) == 0 {
				continue
			}
			wg.Add(1)
			go func(jobs []job) {
				defer wg.Done()
				for _, j := range jobs {
					if ctx.Err() != nil {
						return
					}
					o := s.apply(ctx, rc, j)
					results[j.index] = &o
				}
			}(shard)
		}
		wg.Wait()
		if err := ctx.Err(); err != nil {
			interrupted = fmt.Errorf("run interrupted: %w", err)
		}
	}

	for _, o := range results {
		if o == nil {
			continue
		}
		s.finish(ctx, rc, *o)
		rc.Result.Record(*o)
	}
	return interrupted
}

func shardFor(email string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(domain.IdentityKey(email)))
	return int(h.Sum32() % uint32(workers))
}

// prepare enriches the transaction and resolves its course. A non-nil
// outcome means the transaction stops here.
func (s *reconciliationService) prepare(ctx context.Context, index int, tx domain.Transaction) (job, *domain.Outcome) {
	j := job{index: index, orderID: tx.OrderID, paymentKey: tx.PaymentKey}

	if err := validator.ValidateTransaction(tx); err != nil {
		o := j.outcome(domain.StateSkipped, domain.ReasonInvalidEntry, err)
		return j, &o
	}

	detail, err := s.details.GetPaymentDetail(ctx, tx.PaymentKey)
	if err != nil {
		o := j.outcome(domain.StateSkipped, domain.ReasonDetailUnavailable, err)
		return j, &o
	}

	email, ok := validator.ResolveIdentity(detail, s.extractors)
	if !ok {
		o := j.outcome(domain.StateSkipped, domain.ReasonNoIdentity, nil)
		return j, &o
	}
	j.email = email

	orderName := detail.OrderName
	if strings.TrimSpace(orderName) == "" {
		orderName = tx.OrderName
	}
	amount := tx.SettledAmount()
	if amount == 0 {
		amount = detail.TotalAmount
	}

	j.resolution = s.resolver.Resolve(orderName, amount)
	if !j.resolution.Resolved() {
		j.resolution.Kind = domain.MatchUnresolved
		o := j.outcome(domain.StateSkipped, domain.ReasonUnknownProduct, fmt.Errorf("no course for %q at %d", orderName, amount))
		return j, &o
	}
	return j, nil
}

// apply looks the purchaser up, merges the enrollment and, in live mode,
// writes it back. A version conflict triggers a fresh read and merge.
func (s *reconciliationService) apply(ctx context.Context, rc *domain.RunContext, j job) domain.Outcome {
	for attempt := 1; ; attempt++ {
		rec, err := s.directory.FindByEmail(ctx, j.email)
		switch {
		case errors.Is(err, directory.ErrUserNotFound):
			return j.outcome(domain.StateNoUser, domain.ReasonUserNotFound, err)
		case errors.Is(err, directory.ErrDuplicateIdentity):
			return j.outcome(domain.StateFailed, domain.ReasonDuplicateIdentity, err)
		case err != nil:
			return j.outcome(domain.StateFailed, domain.ReasonDirectoryError, err)
		}

		entry := s.merger.NewEnrollment(j.resolution.CourseID, j.resolution.CourseName, j.orderID)
		blob, err := s.merger.Merge(rec.EnrolledCourses, entry)
		if errors.Is(err, enrollment.ErrAlreadyEnrolled) {
			return j.outcome(domain.StateSkipped, domain.ReasonAlreadyEnrolled, nil)
		}
		if err != nil {
			return j.outcome(domain.StateFailed, domain.ReasonMalformedRecord, err)
		}

		if rc.DryRun() {
			if !rc.Plan(j.email, j.resolution.CourseID) {
				return j.outcome(domain.StateSkipped, domain.ReasonAlreadyEnrolled, nil)
			}
			return j.outcome(domain.StateSuccess, domain.ReasonWouldEnroll, nil)
		}

		_, err = s.directory.MergeEnrollments(ctx, rec, blob)
		if err == nil {
			s.publish(ctx, rc, j, entry)
			return j.outcome(domain.StateSuccess, domain.ReasonEnrolled, nil)
		}
		if errors.Is(err, directory.ErrConflict) && attempt <= s.maxConflictRetries {
			log.WithFields(log.Fields{
				"order_id":    j.orderID,
				"email":       j.email,
				"attempt":     attempt,
				"max_retries": s.maxConflictRetries,
			}).Warn("User record changed during merge, re-reading...")
			continue
		}
		return j.outcome(domain.StateFailed, domain.ReasonWriteFailed, err)
	}
}

func (s *reconciliationService) publish(ctx context.Context, rc *domain.RunContext, j job, e domain.Enrollment) {
	if s.publisher == nil {
		return
	}
	event := domain.EnrollmentEvent{
		RunID:      rc.RunID,
		OrderID:    j.orderID,
		PaymentKey: j.paymentKey,
		Email:      j.email,
		CourseID:   e.CourseID,
		CourseName: e.CourseName,
		Match:      j.resolution.Kind,
		EnrolledAt: e.EnrolledAt,
	}
	if err := s.publisher.PublishEnrollment(ctx, event); err != nil {
		log.WithError(err).WithField("order_id", j.orderID).Warn("Failed to publish enrollment event")
	}
}

func (s *reconciliationService) finish(ctx context.Context, rc *domain.RunContext, o domain.Outcome) {
	logCtx := log.WithFields(log.Fields{
		"run_id":    rc.RunID,
		"order_id":  o.OrderID,
		"email":     o.Email,
		"course_id": o.CourseID,
		"match":     o.Match,
		"state":     o.State,
		"reason":    o.Reason,
	})
	if o.Err != nil {
		logCtx = logCtx.WithError(o.Err)
	}

	switch o.State {
	case domain.StateFailed:
		logCtx.Error("Transaction failed")
	case domain.StateNoUser:
		logCtx.Warn("No directory user for purchaser")
	case domain.StateSuccess:
		if o.Match.LowConfidence() {
			logCtx.Warn("Enrollment resolved by heuristic match, review required")
		} else {
			logCtx.Info("Enrollment reconciled")
		}
	default:
		logCtx.Info("Transaction skipped")
	}

	if s.observer != nil {
		s.observer.ObserveOutcome(o)
	}
	if s.outcomes != nil {
		if err := s.outcomes.SaveOutcome(ctx, rc.RunID, o); err != nil {
			log.WithError(err).WithField("order_id", o.OrderID).Error("Failed to save outcome to database")
		}
	}
}
