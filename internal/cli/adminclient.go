package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// AdminTokenEnv supplies the admin bearer token when --token is not set.
const AdminTokenEnv = "TRAFFICMON_ADMIN_TOKEN"

// adminOptions address a running trafficmon server.
type adminOptions struct {
	server string
	token  string
	asJSON bool
}

func (o *adminOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.server, "server", "http://localhost:3000", "base URL of the trafficmon server")
	cmd.PersistentFlags().StringVar(&o.token, "token", "", "admin bearer token (default: $"+AdminTokenEnv+")")
	cmd.PersistentFlags().BoolVar(&o.asJSON, "json", false, "print raw JSON")
}

func (o *adminOptions) client() (*adminClient, error) {
	if o.server == "" {
		return nil, errors.New("--server is required")
	}
	token := o.token
	if token == "" {
		token = os.Getenv(AdminTokenEnv)
	}
	return &adminClient{
		baseURL: strings.TrimRight(o.server, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// adminClient calls the /admin API of a running server.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// do sends body as JSON (when non-nil) and decodes the response into out
// (when non-nil). Non-2xx responses become errors carrying the server's
// error message.
func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, e.Error, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
