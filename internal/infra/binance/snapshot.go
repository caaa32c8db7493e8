package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/event"

	"github.com/goccy/go-json"
)

const maxDepthLimit = 5000

// SnapshotClient fetches depth snapshots over REST. It implements engine.SnapshotFetcher.
type SnapshotClient struct {
	baseURL   string
	limit     int
	catalog   domain.InstrumentCatalog
	client    *http.Client
	userAgent string
}

// NewSnapshotClient creates a client for baseURL ("https://api.binance.com").
func NewSnapshotClient(baseURL string, limit int, catalog domain.InstrumentCatalog, userAgent string) *SnapshotClient {
	if limit <= 0 || limit > maxDepthLimit {
		limit = 1000
	}
	return &SnapshotClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		limit:     limit,
		catalog:   catalog,
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: userAgent,
	}
}

// FetchSnapshot requests GET /api/v3/depth for the key's instrument.
func (c *SnapshotClient) FetchSnapshot(ctx context.Context, key domain.Key) (*event.Snapshot, error) {
	inst, ok := c.catalog.BySymbol(Venue, key.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s not listed on %s", domain.ErrInvalidSymbol, key.Symbol, Venue)
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(inst.VenueSymbol))
	q.Set("limit", strconv.Itoa(c.limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/depth?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("depth", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError("depth", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp.StatusCode, body)
	}

	var msg depthSnapshotMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &domain.DecodeError{Field: "depth", Err: err}
	}
	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return nil, err
	}

	return &event.Snapshot{
		Symbol:    inst.Symbol,
		Bids:      bids,
		Asks:      asks,
		Sequence:  domain.Sequence(msg.LastUpdateID),
		Timestamp: time.Now().UTC(),
	}, nil
}

// parseError maps an error reply. Rate limits and server errors are retriable.
func parseError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		venueErr := &domain.VenueError{Code: strconv.Itoa(apiErr.Code), Message: apiErr.Msg}
		if status == http.StatusTooManyRequests || status >= 500 {
			return domain.NewNetworkError("depth", venueErr)
		}
		return venueErr
	}

	err := fmt.Errorf("binance depth status %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusTooManyRequests || status >= 500 {
		return domain.NewNetworkError("depth", err)
	}
	return err
}
