package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the Docker Engine API over the local unix socket.
type Client struct {
	http *http.Client
}

// ContainerInspect is the subset of the inspect payload the daemon needs.
// HostConfig and ExposedPorts are kept as raw JSON so a replacement container
// can be created with the original settings passed through untouched.
type ContainerInspect struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		Image        string            `json:"Image"`
		Cmd          []string          `json:"Cmd"`
		Env          []string          `json:"Env"`
		Labels       map[string]string `json:"Labels"`
		ExposedPorts json.RawMessage   `json:"ExposedPorts"`
	} `json:"Config"`
	HostConfig json.RawMessage `json:"HostConfig"`
	State      struct {
		Status    string `json:"Status"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	RestartCount int `json:"RestartCount"`
}

// CreateOptions is the body for POST /containers/create.
type CreateOptions struct {
	Image        string            `json:"Image"`
	Cmd          []string          `json:"Cmd,omitempty"`
	Env          []string          `json:"Env,omitempty"`
	Labels       map[string]string `json:"Labels,omitempty"`
	ExposedPorts json.RawMessage   `json:"ExposedPorts,omitempty"`
	HostConfig   json.RawMessage   `json:"HostConfig,omitempty"`
}

// PullEvent is one progress event from the image pull stream.
type PullEvent struct {
	Status   string `json:"status"`
	Progress string `json:"progress"`
	ID       string `json:"id"`
	Error    string `json:"error"`
}

func NewClient(socketPath string) *Client {
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	// No client-wide timeout: stats and log streams are long-lived and are
	// bounded by their request contexts instead.
	return &Client{http: &http.Client{Transport: transport}}
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/_ping", nil)
	return err
}

func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerInspect, error) {
	b, err := c.do(ctx, http.MethodGet, "/containers/"+id+"/json", nil)
	if err != nil {
		return ContainerInspect{}, err
	}
	var out ContainerInspect
	if err := json.Unmarshal(b, &out); err != nil {
		return ContainerInspect{}, err
	}
	return out, nil
}

// StatsStream opens the continuous stats feed for a container. The returned
// body delivers one JSON sample per tick until closed or the request context
// is canceled.
func (c *Client) StatsStream(ctx context.Context, id string) (io.ReadCloser, error) {
	return c.stream(ctx, http.MethodGet, "/containers/"+id+"/stats?stream=1", nil)
}

// ContainerLogs opens the combined stdout/stderr log stream in follow mode.
// The stream uses Docker's 8-byte multiplex framing when the container runs
// without a TTY.
func (c *Client) ContainerLogs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("stdout", "1")
	q.Set("stderr", "1")
	q.Set("follow", "1")
	if tail > 0 {
		q.Set("tail", strconv.Itoa(tail))
	}
	return c.stream(ctx, http.MethodGet, "/containers/"+id+"/logs?"+q.Encode(), nil)
}

func (c *Client) RestartContainer(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/containers/"+id+"/restart", nil)
	return err
}

func (c *Client) StopContainer(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/containers/"+id+"/stop", nil)
	return err
}

func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/containers/"+id, nil)
	return err
}

func (c *Client) CreateContainer(ctx context.Context, name string, opts CreateOptions) (string, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	b, err := c.do(ctx, http.MethodPost, "/containers/create?name="+url.QueryEscape(name), body)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"Id"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/containers/"+id+"/start", nil)
	return err
}

// PullImage starts pulling an image reference and returns the progress event
// stream (one JSON PullEvent per line).
func (c *Client) PullImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	repo, tag := ref, ""
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		repo, tag = ref[:i], ref[i+1:]
	}
	q := url.Values{}
	q.Set("fromImage", repo)
	if tag != "" {
		q.Set("tag", tag)
	}
	return c.stream(ctx, http.MethodPost, "/images/create?"+q.Encode(), nil)
}

func (c *Client) stream(ctx context.Context, method, p string, body []byte) (io.ReadCloser, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+p, reader)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		defer res.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return nil, fmt.Errorf("docker api %s %s failed: status %d: %s", method, p, res.StatusCode, strings.TrimSpace(string(b)))
	}
	return res.Body, nil
}

func (c *Client) do(ctx context.Context, method, p string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+p, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = res.Status
		}
		return nil, fmt.Errorf("docker api %s %s failed: %s", method, p, msg)
	}
	return b, nil
}
