package workitem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrNetworkFailure covers transport errors and non-2xx responses.
	ErrNetworkFailure = errors.New("network failure")
	// ErrNoMoreWork is returned when the remote has nothing left to record.
	ErrNoMoreWork = errors.New("no more work items")
)

const wavMimeType = "audio/wav"

// WorkItem is one transcript awaiting a recording.
type WorkItem struct {
	FileName   string `json:"fileName"`
	Transcript string `json:"transcript"`
}

// Client talks to the remote work-item endpoint.
type Client struct {
	http *resty.Client
	log  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	hc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		hc.SetTimeout(timeout)
	}
	return &Client{
		http: hc,
		log:  log.With(slog.String("component", "workitem-client"), slog.String("base_url", baseURL)),
	}
}

// Fetch issues GET / and decodes the next item.
func (c *Client) Fetch(ctx context.Context) (WorkItem, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/")
	if err != nil {
		return WorkItem{}, fmt.Errorf("%w: fetch work item: %w", ErrNetworkFailure, err)
	}
	if !resp.IsSuccess() {
		return WorkItem{}, fmt.Errorf("%w: fetch work item: unexpected status %s", ErrNetworkFailure, resp.Status())
	}
	return decodeItem(resp.Body())
}

func decodeItem(body []byte) (WorkItem, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return WorkItem{}, ErrNoMoreWork
	}
	switch string(body) {
	case "null", "false", `""`, "0":
		return WorkItem{}, ErrNoMoreWork
	}
	var item WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		return WorkItem{}, fmt.Errorf("%w: decode work item: %w", ErrNetworkFailure, err)
	}
	if item.FileName == "" {
		return WorkItem{}, ErrNoMoreWork
	}
	return item, nil
}

// Submit uploads a recording as POST /submit?fileName=<name>. The response
// body is ignored.
func (c *Client) Submit(ctx context.Context, name string, recording []byte) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("fileName", name).
		SetMultipartFormData(map[string]string{"fileName": name + ".wav"}).
		SetMultipartField("recording", name, wavMimeType, bytes.NewReader(recording)).
		Post("/submit")
	if err != nil {
		return fmt.Errorf("%w: submit %s: %w", ErrNetworkFailure, name, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: submit %s: unexpected status %s", ErrNetworkFailure, name, resp.Status())
	}
	c.log.Debug("recording uploaded", slog.String("file_name", name), slog.Int("bytes", len(recording)))
	return nil
}
