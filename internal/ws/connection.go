package ws

import (
	"context"
	"errors"
	"sync"

	"amora/internal/models"
)

// Conn is an established websocket connection.
type Conn interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Connection runs one established event channel connection until it fails
// or ctx is cancelled: server events go to dispatch, queued client events
// are written out.
type Connection struct {
	ws         Conn
	dispatch   func(models.ServerEvent)
	fromServer chan models.ServerEvent
	toServer   <-chan models.ClientEvent
	errorCh    chan error
}

func NewConnection(
	ws Conn,
	outbound <-chan models.ClientEvent,
	dispatch func(models.ServerEvent),
) *Connection {
	return &Connection{
		ws:         ws,
		dispatch:   dispatch,
		fromServer: make(chan models.ServerEvent),
		toServer:   outbound,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	<-ctx.Done()
	_ = c.ws.Close()
	wg.Wait()

	if parent.Err() != nil {
		return nil
	}

	// The loop that failed first reported first.
	for range 2 {
		if err := <-c.errorCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var ev models.ServerEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromServer <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromServer:
			c.dispatch(ev)
		case ev := <-c.toServer:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
