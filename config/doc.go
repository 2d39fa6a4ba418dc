// Package config loads the telemetry service configuration from a YAML file
// and environment variables. Environment keys replace dots with underscores,
// so SERVER_ADDRESS overrides server.address.
package config
