// Package podman is the concrete ImagePuller and DiscoveryProbe backing,
// talking to a Docker-API-compatible socket (Podman's libpod-compatible
// endpoint, or a real Docker daemon in dev). Only the unix-socket case is
// supported — no TCP/mTLS, since the container runtime always lives on the
// same host as the systemd units it manages.
package podman

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/moby/moby/client"
)

// Client wraps the subset of the Docker/Podman API executor.ImagePuller and
// the discovery probe need.
type Client struct {
	api *client.Client
}

// New connects to the given unix socket path.
func New(socketPath string) (*Client, error) {
	api, err := client.New(
		client.WithHost("unix://"+socketPath),
		client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.DialTimeout("unix", socketPath, 30*time.Second)
				},
			},
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

// Ping checks that the runtime socket is reachable. Nothing in the daemon
// calls it.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

// Close releases the underlying HTTP client's connections.
func (c *Client) Close() error {
	return c.api.Close()
}
