// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authentication service: counters for registrations, logins, and MFA
// validations, histograms for provider API latency, and observable gauges
// for the stored users, active sessions, and pending challenges.
//
// Instrumentation is optional. When disabled (or simply not wired) all
// instruments are no-ops with zero overhead, so library consumers pay
// nothing for the capability.
package instrumentation
