package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Client resolves component names against the registry's HTTP endpoint,
// caching results until Invalidate is called so callers re-resolve on
// connection failure. It implements pkg/rpcclient.Resolver.
type Client struct {
	regEndpoint string
	token       string
	http        *http.Client

	mu    sync.Mutex
	cache map[string]string
}

// NewClient builds a registry client pointed at regEndpoint ("host:port").
func NewClient(regEndpoint, token string, insecureSkipVerify bool) *Client {
	return &Client{
		regEndpoint: regEndpoint,
		token:       token,
		cache:       make(map[string]string),
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
			},
		},
	}
}

// Locate returns name's cached endpoint, querying REG on a cache miss.
func (c *Client) Locate(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if ep, ok := c.cache[name]; ok {
		c.mu.Unlock()
		return ep, nil
	}
	c.mu.Unlock()

	ep, err := c.query(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.cache[name] = ep
	c.mu.Unlock()
	return ep, nil
}

// Invalidate drops name from the cache, forcing the next Locate to query
// REG again.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, name)
}

// Register tells REG about this component's own endpoint.
func (c *Client) Register(ctx context.Context, name, endpoint string) error {
	_, err := c.call(ctx, "register", [2]string{name, endpoint})
	return err
}

// Heartbeat refreshes this component's liveness in REG. It returns an
// error when REG does not know name, so the caller can register again.
func (c *Client) Heartbeat(ctx context.Context, name string) error {
	raw, err := c.call(ctx, "heartbeat", [1]string{name})
	if err != nil {
		return err
	}
	var known bool
	if err := json.Unmarshal(raw, &known); err != nil {
		return fmt.Errorf("decode heartbeat result: %w", err)
	}
	if !known {
		return fmt.Errorf("component %q not registered", name)
	}
	return nil
}

func (c *Client) query(ctx context.Context, name string) (string, error) {
	raw, err := c.call(ctx, "locate", [1]string{name})
	if err != nil {
		return "", err
	}
	var ep string
	if err := json.Unmarshal(raw, &ep); err != nil {
		return "", fmt.Errorf("decode locate result: %w", err)
	}
	return ep, nil
}

func (c *Client) call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", method, err)
	}
	url := fmt.Sprintf("https://%s/rpc/%s", c.regEndpoint, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Fault  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"fault"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Fault != nil {
		return nil, fmt.Errorf("registry fault %d: %s", envelope.Fault.Code, envelope.Fault.Message)
	}
	return envelope.Result, nil
}
