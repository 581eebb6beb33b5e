package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"enrollment-reconciler/internal/domain"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL  = "https://api.tosspayments.com"
	DefaultPageSize = 100

	defaultRetryInterval = 500 * time.Millisecond
)

var (
	ErrMissingCursor = errors.New("full page without a transaction key")
	ErrStalledCursor = errors.New("gateway returned the same cursor twice")
)

// FetchError is returned for any failed gateway call.
type FetchError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("gateway %s: HTTP %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("gateway %s: HTTP %d", e.Op, e.StatusCode)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed.
func (e *FetchError) Retryable() bool {
	if e.Err != nil && e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	baseURL       string
	authHeader    string
	httpClient    *http.Client
	pageSize      int
	maxAttempts   uint
	retryInterval time.Duration
}

func NewClient(baseURL, secretKey string, httpClient *http.Client, maxAttempts uint) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		authHeader:    "Basic " + base64.StdEncoding.EncodeToString([]byte(secretKey+":")),
		httpClient:    httpClient,
		pageSize:      DefaultPageSize,
		maxAttempts:   maxAttempts,
		retryInterval: defaultRetryInterval,
	}
}

// FetchTransactions walks the ledger for the window page by page and returns
// every entry in gateway order. Any page failure aborts the walk.
func (c *Client) FetchTransactions(ctx context.Context, window domain.Window) ([]domain.Transaction, error) {
	var all []domain.Transaction
	cursor := ""

	for page := 1; ; page++ {
		items, err := c.listWithRetry(ctx, window, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)

		log.WithFields(log.Fields{
			"page":  page,
			"count": len(items),
			"total": len(all),
		}).Debug("Fetched transaction page")

		if len(items) < c.pageSize {
			return all, nil
		}

		next := items[len(items)-1].TransactionKey
		if next == "" {
			return nil, &FetchError{Op: "list transactions", Err: ErrMissingCursor}
		}
		if next == cursor {
			return nil, &FetchError{Op: "list transactions", Err: ErrStalledCursor}
		}
		cursor = next
	}
}

func (c *Client) listWithRetry(ctx context.Context, window domain.Window, cursor string) ([]domain.Transaction, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval

	attempt := 0
	return backoff.Retry(ctx, func() ([]domain.Transaction, error) {
		attempt++
		items, err := c.ListTransactions(ctx, window, cursor)
		if err == nil {
			return items, nil
		}
		var fe *FetchError
		if errors.As(err, &fe) && fe.Retryable() {
			log.WithError(err).WithFields(log.Fields{
				"attempt":      attempt,
				"max_attempts": c.maxAttempts,
				"cursor":       cursor,
			}).Warn("Transaction page fetch failed, retrying...")
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxAttempts))
}

// ListTransactions fetches a single ledger page after cursor.
func (c *Client) ListTransactions(ctx context.Context, window domain.Window, cursor string) ([]domain.Transaction, error) {
	q := url.Values{}
	q.Set("startDate", window.StartDate())
	q.Set("endDate", window.EndDate())
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("startingAfter", cursor)
	}

	var items []domain.Transaction
	if err := c.get(ctx, "list transactions", "/v1/transactions?"+q.Encode(), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetPaymentDetail fetches the full payment record for paymentKey.
func (c *Client) GetPaymentDetail(ctx context.Context, paymentKey string) (*domain.TransactionDetail, error) {
	var detail domain.TransactionDetail
	if err := c.get(ctx, "get payment", "/v1/payments/"+url.PathEscape(paymentKey), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FetchError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fe := &FetchError{Op: op, StatusCode: resp.StatusCode}
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil {
			fe.Code = apiErr.Code
			fe.Message = apiErr.Message
		}
		return fe
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &FetchError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
