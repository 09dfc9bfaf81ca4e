// Package freescout implements the REST client for the Freescout help desk
// API. Every request is authenticated with the X-FreeScout-API-Key header
// and classified into one of three error kinds so callers can distinguish
// configuration errors from transient failures from bad payloads.
package freescout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrUnauthorized indicates the API rejected our credentials (401/403).
	// This is a configuration error; retrying without user action is futile.
	ErrUnauthorized = errors.New("freescout: unauthorized")

	// ErrUnavailable indicates a transient failure: network error, timeout,
	// or a server-side error status. The next scheduled poll is the retry.
	ErrUnavailable = errors.New("freescout: unavailable")

	// ErrMalformed indicates the API responded but the payload could not be
	// decoded.
	ErrMalformed = errors.New("freescout: malformed response")
)

const apiKeyHeader = "X-FreeScout-API-Key"

// maxResponseBody caps how much of a response we read. A count probe or a
// single conversation page is far below this.
const maxResponseBody = 1 << 20 // 1MB

// Connection pooling limits for the polling client.
const (
	defaultMaxIdleConns        = 10
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 60 * time.Second
)

// Query narrows a conversations request. Zero values are omitted.
type Query struct {
	Status     string
	AssignedTo int
	MailboxID  int
}

func (q Query) values() url.Values {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.AssignedTo != 0 {
		params.Set("assignedTo", strconv.Itoa(q.AssignedTo))
	}
	if q.MailboxID != 0 {
		params.Set("mailboxId", strconv.Itoa(q.MailboxID))
	}
	return params
}

// Client is a rate-limited Freescout API client. All methods honor the
// passed context for cancellation; the per-request timeout is the caller's
// responsibility (the poller derives it from the cycle deadline).
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// NewClient creates a Client for the given instance. requestsPerSecond and
// burst bound the outbound request rate across all concurrent fetches of a
// poll cycle.
func NewClient(baseURL, apiKey string, requestsPerSecond float64, burst int, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:  logger,
	}
}

// CountConversations returns the total number of conversations matching the
// query without fetching them, using the totalElements field of a
// single-element page.
func (c *Client) CountConversations(ctx context.Context, q Query) (int, error) {
	params := q.values()
	params.Set("perPage", "1")
	params.Set("page", "1")

	var page conversationsPage
	if err := c.get(ctx, "/api/conversations", params, &page); err != nil {
		return 0, err
	}
	return page.Page.TotalElements, nil
}

// ListRecentConversations fetches the first page of conversations matching
// the query, most recent first.
func (c *Client) ListRecentConversations(ctx context.Context, q Query, perPage int) ([]Conversation, error) {
	params := q.values()
	params.Set("perPage", strconv.Itoa(perPage))
	params.Set("page", "1")

	var page conversationsPage
	if err := c.get(ctx, "/api/conversations", params, &page); err != nil {
		return nil, err
	}
	return page.Embedded.Conversations, nil
}

// ListMailboxIDs returns the IDs of all mailboxes on the instance.
func (c *Client) ListMailboxIDs(ctx context.Context) ([]int, error) {
	var page mailboxesPage
	if err := c.get(ctx, "/api/mailboxes", nil, &page); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(page.Embedded.Mailboxes))
	for _, mb := range page.Embedded.Mailboxes {
		ids = append(ids, mb.ID)
	}
	return ids, nil
}

// ListFolders fetches every page of folders for a single mailbox.
func (c *Client) ListFolders(ctx context.Context, mailboxID int) ([]Folder, error) {
	var folders []Folder
	for pageNum := 1; ; pageNum++ {
		params := url.Values{}
		params.Set("page", strconv.Itoa(pageNum))

		var page foldersPage
		path := fmt.Sprintf("/api/mailboxes/%d/folders", mailboxID)
		if err := c.get(ctx, path, params, &page); err != nil {
			return nil, err
		}

		folders = append(folders, page.Embedded.Folders...)
		if pageNum >= page.Page.TotalPages {
			break
		}
	}
	return folders, nil
}

// get performs a rate-limited authenticated GET and decodes the JSON
// response into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: got %d from %s", ErrUnauthorized, resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: got %d from %s", ErrUnavailable, resp.StatusCode, path)
	}

	body := io.LimitReader(resp.Body, maxResponseBody)
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
