// Package telemetry provides OpenTelemetry instrumentation for the sync bridge.
// Metrics are exported in Prometheus exposition format on the public API.
package telemetry

import (
	"fmt"
	"strings"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "syncbridge-api"
)

// Config represents the root telemetry configuration
type Config struct {
	// Enabled controls whether telemetry is enabled globally
	// When false, no telemetry providers are initialized
	Enabled bool `yaml:"enabled"`

	// ServiceName is the name of the service for telemetry identification
	// Defaults to "syncbridge-api" if not specified
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion is the version of the service for telemetry identification
	// Defaults to the application version if not specified
	ServiceVersion string `yaml:"serviceVersion,omitempty"`
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil {
		return nil // nil config is valid (telemetry disabled)
	}

	if !c.Enabled {
		return nil
	}

	// Names may contain label-unsafe characters once exported.
	if strings.ContainsAny(c.ServiceName, " \t\n") {
		return fmt.Errorf("serviceName must not contain whitespace")
	}

	return nil
}
