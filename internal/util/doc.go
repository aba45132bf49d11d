// Package util holds small helpers shared across packages: safe string
// truncation for logging response bodies, and IP address classification
// used when parsing forwarded-for chains.
package util
