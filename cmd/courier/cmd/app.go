package cmd

import (
	"context"
	"fmt"

	"github.com/opd-ai/courier"
	"github.com/opd-ai/courier/config"
	"github.com/opd-ai/courier/connectivity"
	"github.com/opd-ai/courier/factory"
	"github.com/opd-ai/courier/push"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// app is a courier wired from configuration.
type app struct {
	courier  *courier.Courier
	registry *prometheus.Registry
	monitor  *connectivity.Monitor
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tf := factory.NewTransportFactory(cfg.TransportSettings())
	if rootCmd.PersistentFlags().Changed("simulate") {
		if simulate {
			tf.SwitchToSimulation()
		} else {
			tf.SwitchToReal()
		}
	}
	if tf.IsUsingSimulation() {
		logrus.WithFields(logrus.Fields{
			"function": "newApp",
		}).Warn("Using the simulated transport, nothing reaches a server")
	}
	transport, err := tf.CreateTransport()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	store, err := factory.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	_, canPing := transport.(connectivity.Pinger)
	monitor := connectivity.NewMonitor(cfg.Connectivity.AssumeOnline || !canPing)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := courier.NewOptions()
	opts.ApplyConfig(cfg)
	opts.Transport = transport
	opts.Store = store
	opts.Connectivity = monitor
	opts.Registerer = reg
	if l := pushListener(cfg.Push, monitor); l != nil {
		opts.PushListeners = append(opts.PushListeners, l)
	}

	c, err := courier.New(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{courier: c, registry: reg, monitor: monitor}, nil
}

// pushListener builds the configured push channel. A connected channel
// also marks the server reachable.
func pushListener(pc config.PushConfig, monitor *connectivity.Monitor) courier.PushListener {
	onStatus := func(connected bool) {
		if connected {
			monitor.Set(true)
		}
	}
	switch pc.Kind {
	case config.PushWebSocket:
		return &push.WebSocketListener{
			URL:            pc.URL,
			ReconnectDelay: pc.ReconnectDelay.Std(),
			OnStatus:       onStatus,
		}
	case config.PushNATS:
		return &push.NATSListener{
			URL:            pc.URL,
			Subject:        pc.Subject,
			Name:           "courier",
			ReconnectDelay: pc.ReconnectDelay.Std(),
			OnStatus:       onStatus,
		}
	default:
		return nil
	}
}
