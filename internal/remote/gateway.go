package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// GatewayClient implements Client against the local protocol gateway's
// HTTP/WebSocket API. The gateway owns the actual messaging-service wire
// protocol and credentials; this side only speaks its JSON surface.
type GatewayClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewGatewayClient creates a client for the gateway at baseURL.
func NewGatewayClient(baseURL string, logger *zap.Logger) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  logger,
	}
}

func (c *GatewayClient) ListConversations(ctx context.Context) ([]ChatRef, error) {
	var out struct {
		Conversations []ChatRef `json:"conversations"`
	}
	if err := c.getJSON(ctx, "/v1/conversations", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *GatewayClient) FetchPage(ctx context.Context, chatID, afterOrdinal int64, limit int) ([]MessageRecord, bool, error) {
	path := fmt.Sprintf("/v1/chats/%d/messages?after=%d&limit=%d", chatID, afterOrdinal, limit)
	var out struct {
		Messages []MessageRecord `json:"messages"`
		More     bool            `json:"more"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, false, err
	}
	return out.Messages, out.More, nil
}

func (c *GatewayClient) FetchMedia(ctx context.Context, contentID string) ([]byte, error) {
	u := c.baseURL + "/v1/media/" + url.PathEscape(contentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media %s: %w", contentID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", contentID, err)
	}
	return data, nil
}

// Subscribe opens the gateway's event stream over a websocket. Events for
// chats outside chatIDs are filtered server-side. The returned channel is
// closed on stream failure; reconnecting is the listener's job.
func (c *GatewayClient) Subscribe(ctx context.Context, chatIDs []int64) (<-chan Event, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/events"
	if len(chatIDs) > 0 {
		ids := make([]string, len(chatIDs))
		for i, id := range chatIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		wsURL += "?chats=" + strings.Join(ids, ",")
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			var evt Event
			if err := wsjson.Read(ctx, conn, &evt); err != nil {
				if ctx.Err() == nil && c.logger != nil {
					c.logger.Warn("event stream closed", zap.Error(err))
				}
				return
			}
			select {
			case ch <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *GatewayClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// classifyStatus maps gateway HTTP statuses onto the error taxonomy:
// 429 is transient (retry same request), other non-2xx are fatal for the
// current chat's cycle.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 5 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &FatalError{Code: resp.StatusCode, Msg: strings.TrimSpace(string(body))}
	}
}
