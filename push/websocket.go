package push

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultReconnectDelay separates reconnection attempts.
const DefaultReconnectDelay = 2 * time.Second

// WebSocketListener reads delivery events from a websocket endpoint and
// reconnects until its context is cancelled.
type WebSocketListener struct {
	URL            string
	Header         http.Header
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer

	// OnStatus, when set, is called with true after each successful dial
	// and with false when the connection drops.
	OnStatus func(connected bool)
}

// Run connects and dispatches events to h until ctx is done.
func (l *WebSocketListener) Run(ctx context.Context, h Handler) error {
	delay := l.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	dialer := l.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	for {
		err := l.session(ctx, dialer, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "WebSocketListener.Run",
			"url":      l.URL,
			"error":    errString(err),
			"retry_in": delay.String(),
		}).Warn("Push connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (l *WebSocketListener) session(ctx context.Context, dialer *websocket.Dialer, h Handler) error {
	conn, _, err := dialer.DialContext(ctx, l.URL, l.Header)
	if err != nil {
		return err
	}
	defer conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "WebSocketListener.session",
		"url":      l.URL,
	}).Info("Push connection established")
	l.status(true)
	defer l.status(false)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("closed by server")
			}
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if err := dispatch(data, h); err != nil {
			logDropped("WebSocketListener.session", err)
		}
	}
}

func (l *WebSocketListener) status(connected bool) {
	if l.OnStatus != nil {
		l.OnStatus(connected)
	}
}

func logDropped(function string, err error) {
	entry := logrus.WithFields(logrus.Fields{
		"function": function,
		"error":    err.Error(),
	})
	if errors.Is(err, ErrIgnoredEvent) {
		entry.Debug("Ignoring push frame")
		return
	}
	entry.Warn("Dropping malformed push frame")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
