package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/sigreer/diskd/internal/api"
)

// Client talks to the daemon over its unix socket
type Client struct {
	http *http.Client
	base string
}

// NewClient returns a client for the socket at path
func NewClient(path string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &Client{http: &http.Client{Transport: transport}, base: "http://diskd"}
}

// NewClientWith uses hc against base, for tests and TCP setups
func NewClientWith(hc *http.Client, base string) *Client {
	return &Client{http: hc, base: base}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach diskd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e api.Error
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Kind == "" {
		return fmt.Errorf("diskd returned %s", resp.Status)
	}
	return e.AsError()
}

// Devices lists every published device
func (c *Client) Devices(ctx context.Context) ([]api.Device, error) {
	var out []api.Device
	err := c.do(ctx, http.MethodGet, "/devices", nil, &out)
	return out, err
}

// DeviceByFile finds the device with the given device file or alias
func (c *Client) DeviceByFile(ctx context.Context, file string) (*api.Device, error) {
	var out []api.Device
	if err := c.do(ctx, http.MethodGet, "/devices?file="+url.QueryEscape(file), nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no device for %s", file)
	}
	return &out[0], nil
}

// Device returns one device by handle name, e.g. "sda1"
func (c *Client) Device(ctx context.Context, name string) (*api.Device, error) {
	var out api.Device
	if err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh re-probes a device
func (c *Client) Refresh(ctx context.Context, name string) (*api.Device, error) {
	var out api.Device
	if err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(name)+"/refresh", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetMounted records a completed mount
func (c *Client) SetMounted(ctx context.Context, name, path string) error {
	return c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(name)+"/mounted", api.MountRequest{Path: path}, nil)
}

// SetUnmounted records a completed unmount
func (c *Client) SetUnmounted(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(name)+"/unmounted", nil, nil)
}

// Inhibit acquires a polling inhibitor
func (c *Client) Inhibit(ctx context.Context, holder string) (string, error) {
	var out api.InhibitResponse
	if err := c.do(ctx, http.MethodPost, "/inhibitors", api.InhibitRequest{Holder: holder}, &out); err != nil {
		return "", err
	}
	return out.Cookie, nil
}

// Uninhibit releases a polling inhibitor
func (c *Client) Uninhibit(ctx context.Context, cookie string) error {
	return c.do(ctx, http.MethodDelete, "/inhibitors/"+url.PathEscape(cookie), nil, nil)
}

// Inhibitors lists outstanding inhibitors
func (c *Client) Inhibitors(ctx context.Context) ([]api.Inhibitor, error) {
	var out []api.Inhibitor
	err := c.do(ctx, http.MethodGet, "/inhibitors", nil, &out)
	return out, err
}

// Filesystems lists the known filesystem types
func (c *Client) Filesystems(ctx context.Context) ([]api.Filesystem, error) {
	var out []api.Filesystem
	err := c.do(ctx, http.MethodGet, "/filesystems", nil, &out)
	return out, err
}

// Events streams notifications to fn until ctx is done, the daemon closes
// the stream or fn fails. name restricts the stream to one device.
func (c *Client) Events(ctx context.Context, name string, fn func(api.Event) error) error {
	path := "/events"
	if name != "" {
		path += "?device=" + url.QueryEscape(name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach diskd: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev api.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
