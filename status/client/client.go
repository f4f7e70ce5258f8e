package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"time"

	"github.com/andydunstall/flock/gossip"
)

// Client is a client for a node's admin status API.
type Client struct {
	httpClient *http.Client

	url *url.URL
}

func NewClient(url *url.URL) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Second * 15,
		},
		url: url,
	}
}

func (c *Client) GossipPeers() ([]gossip.PeerView, error) {
	r, err := c.request("/status/gossip/peers")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var peers []gossip.PeerView
	if err := json.NewDecoder(r).Decode(&peers); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return peers, nil
}

func (c *Client) GossipEntries() ([]gossip.Item, error) {
	r, err := c.request("/status/gossip/entries")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var items []gossip.Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return items, nil
}

func (c *Client) GossipOrigin(origin string) ([]gossip.Item, error) {
	r, err := c.request("/status/gossip/entries/" + origin)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var items []gossip.Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return items, nil
}

func (c *Client) GossipBootstrap() (string, error) {
	r, err := c.request("/status/gossip/bootstrap")
	if err != nil {
		return "", err
	}
	defer r.Close()

	var resp struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return resp.State, nil
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) request(path string) (io.ReadCloser, error) {
	url := new(url.URL)
	*url = *c.url
	url.Path = fspath.Join(url.Path, path)

	req, err := http.NewRequest(http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, fmt.Errorf("request: bad status: %d", resp.StatusCode)
	}

	return resp.Body, nil
}
