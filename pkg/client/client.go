// Package client is a thin Go wrapper for the VitalSync admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vitalsync/vitalsync/internal/store"
)

// Client is a thin HTTP wrapper for the VitalSync admin API.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// New creates a new client.
func New(url string) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// EnqueueOption configures an enqueue request.
type EnqueueOption func(map[string]interface{})

// WithEmergency routes the operation to the priority queue.
func WithEmergency() EnqueueOption {
	return func(m map[string]interface{}) { m["emergency"] = true }
}

// Enqueue queues a mutation for sync.
func (c *Client) Enqueue(entityType, entityID, opType string, payload map[string]any, opts ...EnqueueOption) (*store.PendingOperation, error) {
	body := map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   entityID,
		"op_type":     opType,
		"payload":     payload,
	}
	for _, opt := range opts {
		opt(body)
	}

	var op store.PendingOperation
	if err := c.post("/api/v1/queue", body, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// QueuePage is one listing of a queue collection.
type QueuePage struct {
	Count      int                       `json:"count"`
	Operations []*store.PendingOperation `json:"operations"`
}

// Queue lists pending operations in sync order.
func (c *Client) Queue() (*QueuePage, error) {
	var page QueuePage
	if err := c.get("/api/v1/queue", &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// EmergencyQueue lists priority operations.
func (c *Client) EmergencyQueue() (*QueuePage, error) {
	var page QueuePage
	if err := c.get("/api/v1/queue/emergency", &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DeadLetterPage is a listing of dead-lettered operations.
type DeadLetterPage struct {
	Count      int                      `json:"count"`
	Operations []*store.FailedOperation `json:"operations"`
}

// DeadLetter lists operations that exhausted their retry budget.
func (c *Client) DeadLetter() (*DeadLetterPage, error) {
	var page DeadLetterPage
	if err := c.get("/api/v1/deadletter", &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// RetryDeadLetter requeues a dead-lettered operation with a fresh attempt budget.
func (c *Client) RetryDeadLetter(opID string) (*store.PendingOperation, error) {
	var op store.PendingOperation
	if err := c.post("/api/v1/deadletter/"+opID+"/retry", nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// PurgeDeadLetter permanently discards a dead-lettered operation.
func (c *Client) PurgeDeadLetter(opID string) error {
	return c.doRequest("DELETE", "/api/v1/deadletter/"+opID, nil, nil)
}

// ConflictPage is a listing of conflicts awaiting manual resolution.
type ConflictPage struct {
	Count     int                     `json:"count"`
	Conflicts []*store.ConflictRecord `json:"conflicts"`
}

// Conflicts lists surfaced sync conflicts.
func (c *Client) Conflicts() (*ConflictPage, error) {
	var page ConflictPage
	if err := c.get("/api/v1/conflicts", &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Resolve applies a manual conflict resolution: "accept_local" or "accept_remote".
func (c *Client) Resolve(entityType, entityID, resolution string) error {
	return c.post("/api/v1/conflicts/"+entityType+"/"+entityID+"/resolve",
		map[string]string{"resolution": resolution}, nil)
}

// SetDeviceValue requests a device intensity change. The engine debounces
// rapid calls for the same device.
func (c *Client) SetDeviceValue(deviceID string, value float64) error {
	return c.post("/api/v1/device/"+deviceID+"/value", map[string]float64{"value": value}, nil)
}

// Locks returns current processing lock ownership.
func (c *Client) Locks() (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.get("/api/v1/locks", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Events returns the most recent audit events.
func (c *Client) Events(limit int) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.get(fmt.Sprintf("/api/v1/events?limit=%d", limit), &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SearchEvents filters the audit trail. params maps directly onto the
// search endpoint's query parameters (types, entity_type, data_jq, ...).
func (c *Client) SearchEvents(params map[string]string) (*store.EventSearchResult, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	var result store.EventSearchResult
	if err := c.get("/api/v1/events/search?"+values.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HTTP helpers

func (c *Client) get(path string, result interface{}) error {
	return c.doRequest("GET", path, nil, result)
}

func (c *Client) post(path string, body interface{}, result interface{}) error {
	return c.doRequest("POST", path, body, result)
}

func (c *Client) doRequest(method, path string, body interface{}, result interface{}) error {
	return c.doRequestWithContext(context.Background(), method, path, body, result)
}

func (c *Client) doRequestWithContext(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(data, &apiErr)
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
	}

	if result != nil && len(data) > 0 {
		return json.Unmarshal(data, result)
	}
	return nil
}
