// Package metrics defines the Prometheus instrumentation for the gateway
package metrics
