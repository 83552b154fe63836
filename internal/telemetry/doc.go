// Package telemetry records OpenTelemetry metrics and spans for tool calls.
//
// Instruments are created lazily against the global MeterProvider, so a
// process that never installs one pays only for no-op calls. Attribute
// values are limited to tool names, models, error codes and outcomes; row
// data and principal identifiers other than the tenant never reach
// telemetry.
package telemetry
