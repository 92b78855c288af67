package push

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultNATSSubject is subscribed when NATSListener.Subject is empty.
const DefaultNATSSubject = "courier.events"

// NATSListener receives delivery events published on a NATS subject.
type NATSListener struct {
	URL            string
	Subject        string
	Name           string
	ReconnectDelay time.Duration

	// OnStatus, when set, is called on connect, disconnect and reconnect.
	OnStatus func(connected bool)
}

// Run subscribes and dispatches events to h until ctx is done. The NATS
// client reconnects on its own.
func (l *NATSListener) Run(ctx context.Context, h Handler) error {
	subject := l.Subject
	if subject == "" {
		subject = DefaultNATSSubject
	}
	wait := l.ReconnectDelay
	if wait <= 0 {
		wait = DefaultReconnectDelay
	}
	name := l.Name
	if name == "" {
		name = "courier"
	}

	nc, err := nats.Connect(l.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logrus.WithFields(logrus.Fields{
				"function": "NATSListener.Run",
				"error":    errString(err),
			}).Warn("NATS disconnected")
			l.status(false)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logrus.WithFields(logrus.Fields{
				"function": "NATSListener.Run",
			}).Info("NATS reconnected")
			l.status(true)
		}),
	)
	if err != nil {
		return err
	}
	defer nc.Close()
	l.status(true)

	// Messages are handled one at a time on the subscription goroutine,
	// which keeps the subject's order.
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		if err := dispatch(m.Data, h); err != nil {
			logDropped("NATSListener.Run", err)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe() //nolint:errcheck

	logrus.WithFields(logrus.Fields{
		"function": "NATSListener.Run",
		"url":      l.URL,
		"subject":  subject,
	}).Info("Subscribed to push subject")

	<-ctx.Done()
	return ctx.Err()
}

func (l *NATSListener) status(connected bool) {
	if l.OnStatus != nil {
		l.OnStatus(connected)
	}
}
