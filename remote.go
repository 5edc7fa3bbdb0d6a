package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/idempotency"
)

const maxErrorBody = 4 << 10

// RemoteClient talks to the fiscal API over HTTP. Responses are mapped
// onto the fault taxonomy so the retry engine and breaker can act on them.
type RemoteClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteClient creates a fiscal API client. timeout bounds each request.
func NewRemoteClient(baseURL, apiKey string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// invoice is the fiscal API's representation of a record.
type invoice struct {
	ID              string    `json:"id"`
	CorrelationKey  string    `json:"correlation_key"`
	Status          string    `json:"status"`
	Total           int64     `json:"total"`
	Currency        string    `json:"currency"`
	Type            string    `json:"type"`
	Series          string    `json:"series"`
	Number          string    `json:"number"`
	AttachmentReady bool      `json:"attachment_ready"`
	ReversalID      string    `json:"reversal_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (inv invoice) record() idempotency.Record {
	return idempotency.Record{
		CorrelationKey:  inv.CorrelationKey,
		RemoteID:        inv.ID,
		Status:          inv.Status,
		Total:           inv.Total,
		Currency:        inv.Currency,
		Type:            inv.Type,
		Series:          inv.Series,
		Number:          inv.Number,
		AttachmentReady: inv.AttachmentReady,
		ReversalID:      inv.ReversalID,
		CreatedAt:       inv.CreatedAt,
	}
}

type invoiceList struct {
	Data []invoice `json:"data"`
}

// Create issues a fiscal record. The correlation key also travels as the
// Idempotency-Key header.
func (c *RemoteClient) Create(ctx context.Context, req idempotency.Request) (*idempotency.Record, error) {
	body, err := json.Marshal(struct {
		CorrelationKey string          `json:"correlation_key"`
		Order          json.RawMessage `json:"order"`
	}{req.CorrelationKey, req.Body})
	if err != nil {
		return nil, fault.PermanentErr("remote.create", fault.CodeValidation, fmt.Errorf("marshal request: %w", err))
	}

	var inv invoice
	status, err := c.do(ctx, "remote.create", http.MethodPost, "/invoices", body, req.CorrelationKey, &inv)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fault.FromStatus("remote.create", status, fmt.Errorf("unexpected status %d", status))
	}
	if inv.CorrelationKey == "" {
		inv.CorrelationKey = req.CorrelationKey
	}
	rec := inv.record()
	return &rec, nil
}

// FindByCorrelationKey returns nil, nil when the API has no record for key.
func (c *RemoteClient) FindByCorrelationKey(ctx context.Context, key string) (*idempotency.Record, error) {
	q := url.Values{"correlation_key": {key}}
	var list invoiceList
	status, err := c.do(ctx, "remote.find", http.MethodGet, "/invoices?"+q.Encode(), nil, "", &list)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	for _, inv := range list.Data {
		if inv.CorrelationKey == key {
			rec := inv.record()
			return &rec, nil
		}
	}
	return nil, nil
}

// ListSince returns the records created at or after since.
func (c *RemoteClient) ListSince(ctx context.Context, since time.Time) ([]idempotency.Record, error) {
	q := url.Values{"created_since": {since.UTC().Format(time.RFC3339)}}
	var list invoiceList
	if _, err := c.do(ctx, "remote.list", http.MethodGet, "/invoices?"+q.Encode(), nil, "", &list); err != nil {
		return nil, err
	}
	out := make([]idempotency.Record, 0, len(list.Data))
	for _, inv := range list.Data {
		out = append(out, inv.record())
	}
	return out, nil
}

// do sends the request and decodes a 2xx JSON body into out. Non-2xx
// responses come back as a *fault.Error carrying the status.
func (c *RemoteClient) do(ctx context.Context, op, method, path string, body []byte, idemKey string, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fault.PermanentErr(op, fault.CodeValidation, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fiscal-relay/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		fe := fault.Classify(fmt.Errorf("http request failed: %w", err))
		fe.Op = op
		return 0, fe
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fault.FromStatus(op, resp.StatusCode,
			fmt.Errorf("fiscal api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fault.TransientErr(op, fault.CodeServer, fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}
