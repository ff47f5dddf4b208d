package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CredentialClient fetches transient TURN credentials from a third-party
// vendor. The vendor response is expected to be a JSON array of ICE server
// entries and is passed through to the caller unchanged.
type CredentialClient struct {
	vendorURL string
	apiKey    string
	client    *http.Client
}

func NewCredentialClient(vendorURL, apiKey string) *CredentialClient {
	return &CredentialClient{
		vendorURL: vendorURL,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *CredentialClient) Fetch(ctx context.Context) (json.RawMessage, error) {
	url := c.vendorURL
	if c.apiKey != "" {
		url = fmt.Sprintf("%s?apiKey=%s", c.vendorURL, c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building credential request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting credentials: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential vendor returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading credential response: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("credential vendor returned invalid JSON")
	}
	return body, nil
}

func (s *Server) handleCredentials(c *gin.Context) {
	if s.credentials == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no credential vendor configured"})
		return
	}

	servers, err := s.credentials.Fetch(c.Request.Context())
	if err != nil {
		s.log.Errorf("Failed to fetch ICE credentials: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch ICE credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}
