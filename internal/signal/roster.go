package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const rosterRequestTimeout = 5 * time.Second

// rosterResponse is the room-membership service's wire shape.
type rosterResponse struct {
	Peers []string `json:"peers"`
}

// RosterClient polls the room-membership service for the current set of
// peer IDs in a room. Membership itself is owned elsewhere; this client
// only observes it.
type RosterClient struct {
	url    string
	roomID string
	token  string

	httpClient *http.Client
	logger     *slog.Logger
}

func NewRosterClient(rosterURL, roomID, authToken string, logger *slog.Logger) (*RosterClient, error) {
	if rosterURL == "" {
		return nil, fmt.Errorf("signal: roster URL must be set")
	}
	if roomID == "" {
		return nil, fmt.Errorf("signal: room ID must be set")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RosterClient{
		url:        rosterURL,
		roomID:     roomID,
		token:      authToken,
		httpClient: &http.Client{Timeout: rosterRequestTimeout},
		logger:     logger.With(slog.String("component", "roster")),
	}, nil
}

// Fetch returns the current roster, including the local peer if the
// membership service lists it.
func (c *RosterClient) Fetch(ctx context.Context) ([]string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("signal: parse roster URL: %w", err)
	}
	q := u.Query()
	q.Set("roomId", c.roomID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: build roster request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal: fetch roster: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signal: roster returned %s", resp.Status)
	}

	var parsed rosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("signal: decode roster: %w", err)
	}
	return parsed.Peers, nil
}

// Poll fetches the roster on the given interval and hands every
// successful result to fn. Fetch errors are logged and skipped; the
// reconciliation fn must be idempotent.
func (c *RosterClient) Poll(ctx context.Context, interval time.Duration, fn func([]string)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		peers, err := c.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("roster fetch failed", slog.Any("error", err))
		} else {
			fn(peers)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
