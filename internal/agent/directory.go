package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RelayDirectory resolves caller display names against the relay's REST
// directory.
type RelayDirectory struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewRelayDirectory builds a directory client from the relay's WebSocket
// URL, e.g. ws://host:8080/ws becomes http://host:8080.
func NewRelayDirectory(relayWSURL string, logger *zerolog.Logger) (*RelayDirectory, error) {
	u, err := url.Parse(relayWSURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""

	return &RelayDirectory{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     logger.With().Str("component", "directory").Logger(),
	}, nil
}

// DisplayName resolves one user ID. Unknown users and transport failures
// surface as errors; callers fall back to the raw ID.
func (d *RelayDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return "", fmt.Errorf("build directory request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("directory lookup: status %d", resp.StatusCode)
	}

	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode directory response: %w", err)
	}
	if body.DisplayName == "" {
		return "", fmt.Errorf("no display name for %s", userID)
	}
	return body.DisplayName, nil
}
