package tidemark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// RemoteAck is the remote service's acknowledgment of a write.
type RemoteAck struct {
	// Record is the canonical post-write record, carrying the stable
	// server-assigned ID.
	Record Record `json:"record"`
	// AppliedOn is the version (UpdatedAt) the server applied the write on
	// top of. When it differs from the version the client assumed, another
	// writer got in between and the write is conflicted.
	AppliedOn int64 `json:"applied_on"`
}

// EventStream delivers server-pushed change events for one collection.
type EventStream interface {
	// ReadEvent blocks until the next event or a transport error.
	ReadEvent() (ChangeEvent, error)
	Close() error
}

// RemoteService is the consumed boundary to the remote backend. Transport
// failures and timeouts are reported as NetworkError; the core treats both
// identically (retry path).
type RemoteService interface {
	// FetchCollection returns records newer than since (0 means from the
	// beginning), newest first, bounded by limit (0 means no limit).
	FetchCollection(ctx context.Context, collection string, since int64, limit int) ([]Record, error)

	// FetchRecord returns one record by server ID.
	FetchRecord(ctx context.Context, collection, id string) (*Record, error)

	// FetchSubResource returns a JSON fragment of a record (for example a
	// like or comment count) for targeted patching.
	FetchSubResource(ctx context.Context, collection, id, resource string) (json.RawMessage, error)

	// Create sends a new record. Idempotent: the client-supplied local_id
	// deduplicates re-sends, so at-least-once delivery is safe.
	Create(ctx context.Context, entry OutboxEntry) (*RemoteAck, error)

	// Update sends changed content for an existing record.
	Update(ctx context.Context, entry OutboxEntry) (*RemoteAck, error)

	// Delete removes a record remotely.
	Delete(ctx context.Context, collection, id string) error

	// Subscribe opens a push-event stream for a collection.
	Subscribe(ctx context.Context, collection string) (EventStream, error)
}

// reachabilityReporter receives transport outcomes; the Monitor implements
// it so real traffic sharpens the connectivity estimate between probes.
type reachabilityReporter interface {
	ReportReachable(rtt time.Duration)
	ReportUnreachable()
}

// HTTPRemote implements RemoteService against a JSON-over-HTTP backend
// with a WebSocket event stream.
type HTTPRemote struct {
	baseURL   string
	authToken string
	client    *http.Client
	dialer    *websocket.Dialer
	reporter  reachabilityReporter
}

// NewHTTPRemote creates a remote client. timeout bounds every request; a
// request that exceeds it fails exactly like a network outage.
func NewHTTPRemote(baseURL, authToken string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemote{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
	}
}

// SetReporter wires transport outcomes into the network monitor.
func (r *HTTPRemote) SetReporter(rep reachabilityReporter) {
	r.reporter = rep
}

type createRequest struct {
	LocalID     string  `json:"local_id"`
	Payload     Payload `json:"payload"`
	BaseVersion int64   `json:"base_version"`
}

// FetchCollection implements RemoteService.
func (r *HTTPRemote) FetchCollection(ctx context.Context, collection string, since int64, limit int) ([]Record, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", fmt.Sprintf("%d", since))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := fmt.Sprintf("/collections/%s/records", url.PathEscape(collection))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var recs []Record
	if err := r.do(ctx, http.MethodGet, path, nil, "", &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// FetchRecord implements RemoteService.
func (r *HTTPRemote) FetchRecord(ctx context.Context, collection, id string) (*Record, error) {
	path := fmt.Sprintf("/collections/%s/records/%s",
		url.PathEscape(collection), url.PathEscape(id))
	var rec Record
	if err := r.do(ctx, http.MethodGet, path, nil, "", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FetchSubResource implements RemoteService.
func (r *HTTPRemote) FetchSubResource(ctx context.Context, collection, id, resource string) (json.RawMessage, error) {
	path := fmt.Sprintf("/collections/%s/records/%s/%s",
		url.PathEscape(collection), url.PathEscape(id), url.PathEscape(resource))
	var raw json.RawMessage
	if err := r.do(ctx, http.MethodGet, path, nil, "", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Create implements RemoteService.
func (r *HTTPRemote) Create(ctx context.Context, entry OutboxEntry) (*RemoteAck, error) {
	path := fmt.Sprintf("/collections/%s/records", url.PathEscape(entry.Collection))
	body := createRequest{
		LocalID:     entry.LocalID,
		Payload:     entry.Payload,
		BaseVersion: entry.BaseVersion,
	}
	var ack RemoteAck
	if err := r.do(ctx, http.MethodPost, path, body, entry.LocalID, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Update implements RemoteService.
func (r *HTTPRemote) Update(ctx context.Context, entry OutboxEntry) (*RemoteAck, error) {
	path := fmt.Sprintf("/collections/%s/records/%s",
		url.PathEscape(entry.Collection), url.PathEscape(entry.RecordID))
	body := createRequest{
		LocalID:     entry.LocalID,
		Payload:     entry.Payload,
		BaseVersion: entry.BaseVersion,
	}
	var ack RemoteAck
	if err := r.do(ctx, http.MethodPut, path, body, entry.LocalID, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Delete implements RemoteService.
func (r *HTTPRemote) Delete(ctx context.Context, collection, id string) error {
	path := fmt.Sprintf("/collections/%s/records/%s",
		url.PathEscape(collection), url.PathEscape(id))
	return r.do(ctx, http.MethodDelete, path, nil, "", nil)
}

// Subscribe implements RemoteService.
func (r *HTTPRemote) Subscribe(ctx context.Context, collection string) (EventStream, error) {
	wsURL := r.baseURL + fmt.Sprintf("/collections/%s/events", url.PathEscape(collection))
	wsURL = strings.Replace(wsURL, "http", "ws", 1)

	header := http.Header{}
	if r.authToken != "" {
		header.Set("Authorization", "Bearer "+r.authToken)
	}
	conn, resp, err := r.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		r.reportFailure()
		return nil, newNetworkError("subscribe "+collection, err)
	}
	return &wsEventStream{conn: conn}, nil
}

// wsEventStream adapts a WebSocket connection to EventStream.
type wsEventStream struct {
	conn *websocket.Conn
}

func (s *wsEventStream) ReadEvent() (ChangeEvent, error) {
	var ev ChangeEvent
	if err := s.conn.ReadJSON(&ev); err != nil {
		return ev, newNetworkError("read event", err)
	}
	return ev, nil
}

func (s *wsEventStream) Close() error {
	return s.conn.Close()
}

// do executes one JSON request/response exchange.
func (r *HTTPRemote) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.reportFailure()
		return newNetworkError(method+" "+path, err)
	}
	defer resp.Body.Close()
	r.reportSuccess(time.Since(start))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return newNetworkError(method+" "+path,
			fmt.Errorf("server returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: remote rejected with %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (r *HTTPRemote) reportSuccess(rtt time.Duration) {
	if r.reporter != nil {
		r.reporter.ReportReachable(rtt)
	}
}

func (r *HTTPRemote) reportFailure() {
	if r.reporter != nil {
		r.reporter.ReportUnreachable()
	}
}
