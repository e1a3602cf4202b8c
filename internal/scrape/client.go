package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a brightdata-style dataset API: trigger a collection,
// poll its progress, download the snapshot once ready.
type Client struct {
	BaseURL  string
	APIToken string
	HTTP     *http.Client
}

func NewClient(baseURL, apiToken string) *Client {
	if baseURL == "" {
		baseURL = "https://api.brightdata.com"
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIToken: apiToken,
		HTTP:     &http.Client{Timeout: 90 * time.Second},
	}
}

type triggerResp struct {
	SnapshotID string `json:"snapshot_id"`
}

// Progress is one poll of the provider's progress endpoint. Raw keeps the
// untouched payload for error reporting.
type Progress struct {
	SnapshotID string `json:"snapshot_id"`
	Status     string `json:"status"`
	Raw        []byte `json:"-"`
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.APIToken)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		resp.Body.Close()
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("scrape api: %s", msg)
	}
	return resp, nil
}

// Trigger submits the job spec and returns the snapshot id referencing it.
// A 2xx response without a snapshot id is still a failure.
func (c *Client) Trigger(ctx context.Context, datasetID string, inputs []map[string]any) (string, error) {
	b, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/datasets/v3/trigger?dataset_id=%s&format=json", c.BaseURL, datasetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded triggerResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.SnapshotID == "" {
		return "", errors.New("scrape api: trigger response missing snapshot_id")
	}
	return decoded.SnapshotID, nil
}

func (c *Client) Progress(ctx context.Context, snapshotID string) (*Progress, error) {
	url := fmt.Sprintf("%s/datasets/v3/progress/%s", c.BaseURL, snapshotID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	p.SnapshotID = snapshotID
	p.Raw = raw
	return &p, nil
}

// Download fetches the snapshot output. The payload may be a JSON document,
// a JSON array, or NDJSON; normalization happens in the runner.
func (c *Client) Download(ctx context.Context, snapshotID string) ([]byte, error) {
	url := fmt.Sprintf("%s/datasets/v3/snapshot/%s?format=json", c.BaseURL, snapshotID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
