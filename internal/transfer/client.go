// Package transfer talks to the slskd transfer daemon over its REST API.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"soulqueue/internal/domain"
)

const apiPrefix = "/api/v0"

// ErrNotFound is returned when the daemon no longer knows a transfer.
var ErrNotFound = errors.New("transfer not found")

// Credentials decorates outgoing requests with authentication.
type Credentials interface {
	Apply(req *http.Request)
}

// APIKey authenticates with slskd's X-API-Key header.
type APIKey string

func (k APIKey) Apply(req *http.Request) {
	if k != "" {
		req.Header.Set("X-API-Key", string(k))
	}
}

// Client is a thin slskd API client. It is safe for concurrent use.
type Client struct {
	BaseURL     string
	Credentials Credentials
	HTTP        *http.Client
}

func NewClient(baseURL string, creds Credentials, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Credentials: creds,
		HTTP:        &http.Client{Timeout: timeout},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+apiPrefix+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Credentials != nil {
		c.Credentials.Apply(req)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		// Error bodies are capped at 1KB.
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("slskd %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return resp, nil
}

// ListTransfers returns every download the daemon tracks, flattened from its
// per-user and per-directory grouping.
func (c *Client) ListTransfers(ctx context.Context) ([]domain.TransferRecord, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/transfers/downloads", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var users []userTransfers
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, fmt.Errorf("decode transfers: %w", err)
	}
	return flatten(users), nil
}

// CancelTransfer cancels a download and, with remove set, drops it from the
// daemon's list. A transfer the daemon already forgot counts as success.
func (c *Client) CancelTransfer(ctx context.Context, id, username string, remove bool) (bool, error) {
	if id == "" || username == "" {
		return false, errors.New("cancel transfer: id and username are required")
	}
	path := fmt.Sprintf("/transfers/downloads/%s/%s?remove=%s",
		url.PathEscape(username), url.PathEscape(id), strconv.FormatBool(remove))

	resp, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()
	return true, nil
}

// Enqueue asks the daemon to download files from username.
func (c *Client) Enqueue(ctx context.Context, username string, files []domain.EnqueueFile) error {
	if username == "" {
		return errors.New("enqueue: username is required")
	}
	if len(files) == 0 {
		return nil
	}
	req := make([]enqueueRequest, 0, len(files))
	for _, f := range files {
		req = append(req, enqueueRequest{Filename: f.Filename, Size: f.Size})
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/transfers/downloads/"+url.PathEscape(username), req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Ping checks that the daemon answers and the credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/application", nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func flatten(users []userTransfers) []domain.TransferRecord {
	var out []domain.TransferRecord
	for _, u := range users {
		for _, dir := range u.Directories {
			for _, f := range dir.Files {
				username := f.Username
				if username == "" {
					username = u.Username
				}
				out = append(out, domain.TransferRecord{
					ID:               f.ID,
					Username:         username,
					Filename:         f.Filename,
					State:            f.State,
					PercentComplete:  f.PercentComplete,
					AverageSpeed:     f.AverageSpeed,
					Size:             f.Size,
					BytesTransferred: f.BytesTransferred,
				})
			}
		}
	}
	return out
}
