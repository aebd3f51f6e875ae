package session

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/idlemarket/fishbot/internal/creds"
)

// Transport is a single established wire connection.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer establishes a Transport using the given credentials.
type Dialer interface {
	Dial(ctx context.Context, url string, bundle *creds.Bundle) (Transport, error)
}

const (
	dialOrigin    = "https://www.goofish.com"
	dialUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"
)

// WebsocketDialer dials the marketplace messaging endpoint with the browser
// headers the backend expects.
type WebsocketDialer struct {
	// HTTPClient overrides the dial client, mainly for tests.
	HTTPClient *http.Client
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, bundle *creds.Bundle) (Transport, error) {
	header := http.Header{}
	header.Set("Origin", dialOrigin)
	header.Set("User-Agent", dialUserAgent)
	if cookie := bundle.CookieHeader(); cookie != "" {
		header.Set("Cookie", cookie)
	}
	opts := &websocket.DialOptions{HTTPHeader: header}
	if d != nil && d.HTTPClient != nil {
		opts.HTTPClient = d.HTTPClient
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	// Push packages for busy accounts can exceed the 32 KiB default.
	conn.SetReadLimit(4 << 20)
	return &websocketTransport{conn: conn}, nil
}

type websocketTransport struct {
	conn *websocket.Conn
}

func (t *websocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *websocketTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *websocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "shutting down")
}
