package factory

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/real"
	"github.com/opd-ai/courier/testing"
	"github.com/sirupsen/logrus"
)

// Validation bounds for environment overrides.
const (
	// MinRequestTimeout is the minimum allowed request timeout in milliseconds.
	MinRequestTimeout = 100
	// MaxRequestTimeout is the maximum allowed request timeout in milliseconds (10 minutes).
	MaxRequestTimeout = 600000
	// MaxConnsPerHostLimit bounds COURIER_MAX_CONNS_PER_HOST.
	MaxConnsPerHostLimit = 1024
)

// TransportFactory creates Transport implementations based on configuration.
// It is safe for concurrent use.
type TransportFactory struct {
	mu            sync.RWMutex
	defaultConfig *interfaces.TransportConfig
	clock         interfaces.Clock
}

// NewTransportFactory creates a factory starting from base, or from the
// built-in defaults when base is nil, with COURIER_* environment overrides
// applied on top.
func NewTransportFactory(base *interfaces.TransportConfig) *TransportFactory {
	cfg := createDefaultConfig()
	if base != nil {
		c := *base
		cfg = &c
	}
	applyEnvironmentOverrides(cfg)
	logConfigurationInfo(cfg)

	return &TransportFactory{defaultConfig: cfg, clock: interfaces.RealClock{}}
}

// createDefaultConfig returns production defaults: real transport, 10s
// request timeout.
func createDefaultConfig() *interfaces.TransportConfig {
	return &interfaces.TransportConfig{
		UseSimulation:   false,
		RequestTimeout:  10000,
		MaxConnsPerHost: real.DefaultMaxConnsPerHost,
	}
}

func applyEnvironmentOverrides(config *interfaces.TransportConfig) {
	parseSimulationSetting(config)
	parseBaseURLSetting(config)
	parseTimeoutSetting(config)
	parseAuthTokenSetting(config)
	parseMaxConnsSetting(config)
}

// parseSimulationSetting reads COURIER_USE_SIMULATION.
func parseSimulationSetting(config *interfaces.TransportConfig) {
	if useSimStr := os.Getenv("COURIER_USE_SIMULATION"); useSimStr != "" {
		useSim, err := strconv.ParseBool(useSimStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseSimulationSetting",
				"env_var":     "COURIER_USE_SIMULATION",
				"value":       useSimStr,
				"error":       err.Error(),
				"using_value": config.UseSimulation,
			}).Warn("Failed to parse COURIER_USE_SIMULATION environment variable, using default")
			return
		}
		config.UseSimulation = useSim
	}
}

func parseBaseURLSetting(config *interfaces.TransportConfig) {
	if base := os.Getenv("COURIER_BASE_URL"); base != "" {
		config.BaseURL = base
	}
}

func parseAuthTokenSetting(config *interfaces.TransportConfig) {
	if token := os.Getenv("COURIER_AUTH_TOKEN"); token != "" {
		config.AuthToken = token
	}
}

// parseTimeoutSetting reads COURIER_REQUEST_TIMEOUT in milliseconds and
// keeps the current value when it is unparsable or out of
// [MinRequestTimeout, MaxRequestTimeout].
func parseTimeoutSetting(config *interfaces.TransportConfig) {
	if timeoutStr := os.Getenv("COURIER_REQUEST_TIMEOUT"); timeoutStr != "" {
		timeout, err := strconv.Atoi(timeoutStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseTimeoutSetting",
				"env_var":     "COURIER_REQUEST_TIMEOUT",
				"value":       timeoutStr,
				"error":       err.Error(),
				"using_value": config.RequestTimeout,
			}).Warn("Failed to parse COURIER_REQUEST_TIMEOUT environment variable, using default")
			return
		}
		if timeout < MinRequestTimeout || timeout > MaxRequestTimeout {
			logrus.WithFields(logrus.Fields{
				"function":    "parseTimeoutSetting",
				"env_var":     "COURIER_REQUEST_TIMEOUT",
				"value":       timeout,
				"min":         MinRequestTimeout,
				"max":         MaxRequestTimeout,
				"using_value": config.RequestTimeout,
			}).Warn("COURIER_REQUEST_TIMEOUT value out of bounds, using default")
			return
		}
		config.RequestTimeout = timeout
	}
}

func parseMaxConnsSetting(config *interfaces.TransportConfig) {
	if connsStr := os.Getenv("COURIER_MAX_CONNS_PER_HOST"); connsStr != "" {
		conns, err := strconv.Atoi(connsStr)
		if err != nil || conns < 1 || conns > MaxConnsPerHostLimit {
			logrus.WithFields(logrus.Fields{
				"function":    "parseMaxConnsSetting",
				"env_var":     "COURIER_MAX_CONNS_PER_HOST",
				"value":       connsStr,
				"max":         MaxConnsPerHostLimit,
				"using_value": config.MaxConnsPerHost,
			}).Warn("Invalid COURIER_MAX_CONNS_PER_HOST value, using default")
			return
		}
		config.MaxConnsPerHost = conns
	}
}

func logConfigurationInfo(config *interfaces.TransportConfig) {
	logrus.WithFields(logrus.Fields{
		"function":           "NewTransportFactory",
		"use_simulation":     config.UseSimulation,
		"base_url":           config.BaseURL,
		"request_timeout":    config.RequestTimeout,
		"max_conns_per_host": config.MaxConnsPerHost,
		"auth":               config.AuthToken != "",
	}).Info("Created transport factory with configuration")
}

// SetClock sets the clock handed to simulated transports.
func (f *TransportFactory) SetClock(clock interfaces.Clock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = clock
}

// CreateTransport creates a Transport from the factory configuration.
func (f *TransportFactory) CreateTransport() (interfaces.Transport, error) {
	return f.CreateTransportWithConfig(nil)
}

// CreateTransportWithConfig creates a Transport from config, or from the
// factory configuration when config is nil.
func (f *TransportFactory) CreateTransportWithConfig(config *interfaces.TransportConfig) (interfaces.Transport, error) {
	f.mu.RLock()
	if config == nil {
		config = f.defaultConfig
	}
	clock := f.clock
	f.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function":        "CreateTransportWithConfig",
		"use_simulation":  config.UseSimulation,
		"request_timeout": config.RequestTimeout,
	}).Info("Creating transport implementation")

	if config.UseSimulation {
		return testing.NewSimulatedTransport(clock), nil
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for the HTTP transport")
	}
	t, err := real.NewHTTPTransport(config)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SwitchToSimulation makes later CreateTransport calls return simulations.
func (f *TransportFactory) SwitchToSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "SwitchToSimulation",
		"previous": f.defaultConfig.UseSimulation,
	}).Info("Switching factory to simulation mode")
	f.defaultConfig.UseSimulation = true
}

// SwitchToReal makes later CreateTransport calls return HTTP transports.
func (f *TransportFactory) SwitchToReal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "SwitchToReal",
		"previous": f.defaultConfig.UseSimulation,
	}).Info("Switching factory to real mode")
	f.defaultConfig.UseSimulation = false
}

// GetCurrentConfig returns a copy of the factory configuration.
func (f *TransportFactory) GetCurrentConfig() *interfaces.TransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c := *f.defaultConfig
	return &c
}

// IsUsingSimulation reports whether the factory creates simulations.
func (f *TransportFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultConfig.UseSimulation
}
