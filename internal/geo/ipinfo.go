package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DefaultIPInfoURL is the public ipinfo.io endpoint.
const DefaultIPInfoURL = "https://ipinfo.io"

// IPInfoClient looks addresses up against the ipinfo.io JSON API.
type IPInfoClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewIPInfoClient creates a client. An empty baseURL uses DefaultIPInfoURL.
// A nil httpClient uses http.DefaultClient; callers bound latency through
// the context passed to Lookup.
func NewIPInfoClient(baseURL, token string, httpClient *http.Client) *IPInfoClient {
	if baseURL == "" {
		baseURL = DefaultIPInfoURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &IPInfoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

type ipinfoResponse struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Org     string `json:"org"`
}

func (c *IPInfoClient) Lookup(ctx context.Context, addr string) (Location, error) {
	u := c.baseURL + "/" + url.PathEscape(addr)
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Location{}, fmt.Errorf("building ipinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("ipinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("ipinfo returned status %d", resp.StatusCode)
	}

	var body ipinfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("decoding ipinfo response: %w", err)
	}
	return fill(Location(body)), nil
}
