// Package factory creates the collaborators of a courier instance from
// configuration.
//
// TransportFactory chooses between the simulated transport from the testing
// package and the fasthttp transport from the real package, so consuming
// code never depends on either directly. OpenStore opens the outbox
// DurableStore named by a config.StorageConfig.
//
// # Configuration
//
// Transport settings may be overridden through the environment:
//   - COURIER_USE_SIMULATION: "true" or "false"
//   - COURIER_BASE_URL: root URL of the messaging API
//   - COURIER_REQUEST_TIMEOUT: integer milliseconds, 100 to 600000
//   - COURIER_AUTH_TOKEN: bearer token
//   - COURIER_MAX_CONNS_PER_HOST: integer, 1 to 1024
//
// Invalid values are logged and ignored.
//
// # Usage
//
//	f := factory.NewTransportFactory(cfg.TransportSettings())
//	transport, err := f.CreateTransport()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := factory.OpenStore(ctx, cfg.Storage)
//
// SwitchToSimulation and SwitchToReal override the configured mode, as the
// CLI's --simulate flag does. SetClock hands a manual clock to simulated
// transports in tests.
package factory
