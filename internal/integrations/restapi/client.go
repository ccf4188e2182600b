// Package restapi talks to supplier JSON APIs: a paginated product source
// and an order hub that accepts one order per call.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const userAgent = "mallsync/1.0"

// Auth is shared by the source and the hub: a bearer token wins over basic auth.
type Auth struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

type client struct {
	base *url.URL
	auth Auth
	http *http.Client
}

func newClient(baseURL string, auth Auth, timeoutSec int) (*client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, eris.New("restapi: base_url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, eris.Wrapf(err, "restapi: parse base_url %q", baseURL)
	}
	timeout := time.Duration(timeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &client{base: u, auth: auth, http: &http.Client{Timeout: timeout}}, nil
}

func (c *client) url(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends body (if any) as JSON and decodes a 2xx response into out.
func (c *client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "restapi: encode request")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), rd)
	if err != nil {
		return eris.Wrap(err, "restapi: build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.auth.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	case c.auth.Username != "":
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "restapi: %s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return eris.Errorf("restapi: %s %s: http %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrapf(err, "restapi: decode %s", path)
	}
	return nil
}
