// Package integration runs the PostgreSQL repositories against a real server
// started with testcontainers. The tests build only with -tags integration.
package integration
