// Package feed fetches listing snapshots from the market feed REST API and
// streams updates over its WebSocket.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stakepilot/engine/internal/domain"
)

const (
	defaultPageSize = 200
	defaultTimeout  = 10 * time.Second
)

// Client is the REST client for the listing feed API.
type Client struct {
	baseURL    string
	pageSize   int
	httpClient *http.Client
}

// NewClient creates a feed client.
//
// baseURL is the feed API root, e.g. "https://feed.example.org".
func NewClient(baseURL string, pageSize int, timeout time.Duration) *Client {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		pageSize:   pageSize,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ domain.SnapshotProvider = (*Client)(nil)

// apiListing is the feed's wire representation of a listing. Pool fields may
// arrive as JSON numbers or formatted strings, so they are decoded leniently.
type apiListing struct {
	ID        string          `json:"id"`
	Question  string          `json:"question"`
	Category  string          `json:"category"`
	YesPool   json.RawMessage `json:"yesPool"`
	NoPool    json.RawMessage `json:"noPool"`
	TotalPool json.RawMessage `json:"totalPool"`
	EndTime   time.Time       `json:"endTime"`
	Resolved  bool            `json:"resolved"`
	Status    string          `json:"status"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
}

func (a *apiListing) toDomain() domain.Listing {
	l := domain.Listing{
		ID:             a.ID,
		Question:       a.Question,
		Category:       a.Category,
		YesPoolMicro:   parsePoolMicro(a.YesPool),
		NoPoolMicro:    parsePoolMicro(a.NoPool),
		TotalPoolMicro: parsePoolMicro(a.TotalPool),
		EndTime:        a.EndTime,
		Resolved:       a.Resolved,
		Status:         domain.ListingStatus(a.Status),
		CreatedAt:      a.CreatedAt,
	}
	if l.TotalPoolMicro == 0 {
		l.TotalPoolMicro = l.YesPoolMicro + l.NoPoolMicro
	}
	return l
}

// parsePoolMicro decodes a pool amount in micro units from a raw JSON value.
// The feed emits integers for most listings but formatted strings such as
// "1,250,000" for a few legacy ones. Unparseable values decode to zero.
func parsePoolMicro(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// Snapshot fetches all open listings, paging through the feed until a short
// page signals the end.
func (c *Client) Snapshot(ctx context.Context) ([]domain.Listing, error) {
	var out []domain.Listing

	for offset := 0; ; offset += c.pageSize {
		page, err := c.getListings(ctx, c.pageSize, offset)
		if err != nil {
			return nil, err
		}

		for i := range page {
			out = append(out, page[i].toDomain())
		}

		if len(page) < c.pageSize {
			return out, nil
		}
	}
}

// GetListing returns a single listing by its ID.
func (c *Client) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	body, err := c.doGet(ctx, "/listings/"+url.PathEscape(id))
	if err != nil {
		return domain.Listing{}, fmt.Errorf("feed: get listing %s: %w", id, err)
	}

	var al apiListing
	if err := json.Unmarshal(body, &al); err != nil {
		return domain.Listing{}, fmt.Errorf("feed: decode listing %s: %w", id, err)
	}
	return al.toDomain(), nil
}

func (c *Client) getListings(ctx context.Context, limit, offset int) ([]apiListing, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("status", "active")

	body, err := c.doGet(ctx, "/listings?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("feed: get listings: %w", err)
	}

	var page []apiListing
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("feed: decode listings: %w", err)
	}
	return page, nil
}

// doGet sends an unauthenticated GET request to the feed API.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}

	return body, nil
}
