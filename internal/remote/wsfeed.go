package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/schema"
)

// WSFeed is a Feed that reads change events from Server's websocket
// endpoint, GET /v1/{collection}/changes.
type WSFeed struct {
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

// NewWSFeed returns a feed for the server at baseURL (http or https; the
// scheme is rewritten to ws or wss).
func NewWSFeed(baseURL, apiKey string, logger *zap.Logger) *WSFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &WSFeed{baseURL: u, apiKey: apiKey, logger: logger.Named("wsfeed")}
}

// Subscribe dials the change endpoint for c. The returned channel is closed
// when the connection drops or ctx is cancelled.
func (f *WSFeed) Subscribe(ctx context.Context, c schema.Collection) (<-chan ChangeEvent, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}

	opts := &websocket.DialOptions{}
	if f.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + f.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, f.baseURL+"/v1/"+string(c)+"/changes", opts)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s changes: %w", c, err)
	}
	conn.SetReadLimit(1 << 20)

	ch := make(chan ChangeEvent, 64)
	go f.readLoop(ctx, conn, c, ch)
	return ch, nil
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn, c schema.Collection, ch chan<- ChangeEvent) {
	defer close(ch)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Debug("change feed closed",
					zap.String("collection", c.String()),
					zap.Error(err))
			}
			return
		}

		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Warn("skipping malformed change event",
				zap.String("collection", c.String()),
				zap.Error(err))
			continue
		}

		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

var _ Feed = (*WSFeed)(nil)
