package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"enrollment-reconciler/internal/domain"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrDuplicateIdentity = errors.New("multiple users share the identity")
	ErrConflict          = errors.New("record changed since it was read")
	ErrMissingVersion    = errors.New("record has no version token")
	ErrInvalidSASURL     = errors.New("invalid directory SAS URL")
)

// WriteError is returned when the directory rejects an update.
type WriteError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *WriteError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("directory write: %v", e.Err)
	case e.Code != "":
		return fmt.Sprintf("directory write: HTTP %d %s", e.StatusCode, e.Code)
	default:
		return fmt.Sprintf("directory write: HTTP %d", e.StatusCode)
	}
}

func (e *WriteError) Unwrap() error { return e.Err }

// TableClient talks to the users table of the directory storage account,
// authorized by the SAS token embedded in the table URL.
type TableClient struct {
	client *aztables.Client
}

// NewTableClient builds a client for a table SAS URL such as
// https://acct.table.core.windows.net/users?sv=...&sig=...
// Requests go through httpClient so its timeout applies to every call.
func NewTableClient(sasURL string, httpClient *http.Client) (*TableClient, error) {
	u, err := url.Parse(sasURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSASURL, err)
	}
	if u.Scheme == "" || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return nil, fmt.Errorf("%w: table URL must include scheme, host and table name", ErrInvalidSASURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	client, err := aztables.NewClientWithNoCredential(sasURL, &aztables.ClientOptions{
		ClientOptions: policy.ClientOptions{
			Transport: httpClient,
			// The runner owns retries.
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSASURL, err)
	}
	return &TableClient{client: client}, nil
}

type entity struct {
	ETag            string          `json:"odata.etag"`
	PartitionKey    string          `json:"PartitionKey"`
	RowKey          string          `json:"RowKey"`
	Email           string          `json:"email"`
	EnrolledCourses json.RawMessage `json:"enrolledCourses"`
}

// FindByEmail returns the single user whose email equals identity. It fails
// with ErrDuplicateIdentity rather than picking one of several matches.
func (c *TableClient) FindByEmail(ctx context.Context, email string) (*domain.UserRecord, error) {
	filter := fmt.Sprintf("email eq '%s'", quoteODataString(email))
	pager := c.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	var found []entity
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("directory query failed: %w", err)
		}
		for _, raw := range page.Entities {
			var e entity
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, fmt.Errorf("failed to decode directory entity: %w", err)
			}
			found = append(found, e)
		}
		if len(found) > 1 {
			log.WithFields(log.Fields{
				"email": email,
				"rows":  []string{found[0].RowKey, found[1].RowKey},
			}).Error("Directory holds several users for one identity")
			return nil, ErrDuplicateIdentity
		}
	}

	if len(found) == 0 {
		return nil, ErrUserNotFound
	}

	e := found[0]
	blob, err := blobString(e.EnrolledCourses)
	if err != nil {
		return nil, err
	}
	return &domain.UserRecord{
		PartitionKey:    e.PartitionKey,
		RowKey:          e.RowKey,
		Email:           e.Email,
		EnrolledCourses: blob,
		ETag:            e.ETag,
	}, nil
}

// MergeEnrollments replaces the enrolledCourses property of rec, leaving the
// rest of the entity alone. The write only applies if the stored entity still
// carries rec.ETag; otherwise it fails with ErrConflict. The new version
// token is returned.
func (c *TableClient) MergeEnrollments(ctx context.Context, rec *domain.UserRecord, blob string) (string, error) {
	if rec.ETag == "" {
		return "", &WriteError{Err: ErrMissingVersion}
	}

	payload, err := json.Marshal(map[string]string{
		"PartitionKey":    rec.PartitionKey,
		"RowKey":          rec.RowKey,
		"enrolledCourses": blob,
	})
	if err != nil {
		return "", &WriteError{Err: fmt.Errorf("encode entity: %w", err)}
	}

	etag := azcore.ETag(rec.ETag)
	resp, err := c.client.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeMerge,
	})
	if err != nil {
		return "", writeError(err)
	}
	return string(resp.ETag), nil
}

func writeError(err error) *WriteError {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return &WriteError{Err: err}
	}
	we := &WriteError{StatusCode: respErr.StatusCode, Code: respErr.ErrorCode, Err: err}
	if respErr.StatusCode == http.StatusPreconditionFailed {
		we.Err = ErrConflict
	}
	return we
}

// blobString accepts enrolledCourses stored either as a JSON string property
// or, from older writers, as an inline object.
func blobString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("failed to decode enrolledCourses: %w", err)
		}
		return s, nil
	}
	return string(trimmed), nil
}

func quoteODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
