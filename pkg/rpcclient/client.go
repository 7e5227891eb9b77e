// Package rpcclient implements the calling side of the RPC substrate: a
// thin HTTP+JSON client used both by CLI tools (cqsub, cqstat, ...) and
// by components calling their peers. Endpoint resolution goes through the
// component registry, is cached, and is re-resolved on connection
// failure.
package rpcclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
)

// Resolver maps a logical component name to a network endpoint, backed by
// pkg/registry's client in production and a static map in tests.
type Resolver interface {
	Locate(ctx context.Context, name string) (endpoint string, err error)
	Invalidate(name string)
}

// Client calls exposed methods on one named peer component, re-resolving
// its endpoint through Resolver whenever a call fails to connect.
type Client struct {
	peerName string
	resolver Resolver
	token    string
	http     *http.Client
}

// New builds a client for peerName, resolved through resolver.
func New(peerName string, resolver Resolver, token string, insecureSkipVerify bool) *Client {
	return &Client{
		peerName: peerName,
		resolver: resolver,
		token:    token,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
			},
		},
	}
}

// Call invokes method on the peer with positional args, decoding the
// result into out (which may be nil if the method returns nothing
// meaningful). Connection failures trigger an endpoint re-resolve and a
// retry with backoff, up to 3 attempts in all; faults are semantic
// rejections and are never retried.
func (c *Client) Call(ctx context.Context, method string, args any, out any) error {
	return retry.Do(
		func() error {
			endpoint, err := c.resolver.Locate(ctx, c.peerName)
			if err != nil {
				return fmt.Errorf("locate %s: %w", c.peerName, err)
			}
			if err := c.callOnce(ctx, endpoint, method, args, out); err != nil {
				c.resolver.Invalidate(c.peerName)
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.LastErrorOnly(true), // callers type-assert *rpc.Fault

		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			_, isFault := err.(*rpc.Fault)
			return !isFault // faults are semantic rejections, not transient
		}),
	)
}

func (c *Client) callOnce(ctx context.Context, endpoint, method string, args any, out any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args for %s: %w", method, err)
	}

	url := fmt.Sprintf("https://%s/rpc/%s", endpoint, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s at %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Fault  *rpc.Fault      `json:"fault"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response for %s: %w", method, err)
	}
	if envelope.Fault != nil {
		return envelope.Fault
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result for %s: %w", method, err)
		}
	}
	return nil
}
