package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens a new event channel connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// GorillaDialer dials the event channel endpoint with a bearer token.
type GorillaDialer struct {
	URL    string
	Token  string
	dialer *websocket.Dialer
}

func NewGorillaDialer(url, token string) *GorillaDialer {
	return &GorillaDialer{
		URL:   url,
		Token: token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *GorillaDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return conn, nil
}
