// Package server implements the authentication state machine: it composes
// the user, session, and challenge stores with the federated provider
// registry into the login, registration, MFA step-up, and OAuth callback
// flows, and exposes the session-state guard the transport layer builds
// its authorization checks on.
//
// Every session is in exactly one of three states: Anonymous (no session),
// Partial (first factor done, OTP pending), or Authenticated. The package
// is transport-agnostic; cookie handling lives in the HTTP layer.
package server
