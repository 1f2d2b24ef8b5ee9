// Package zap provides the zap-backed implementation of the relay log.Logger
// interface, with OpenTelemetry trace correlation and log bridging.
package zap
