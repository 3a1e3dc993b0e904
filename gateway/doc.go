// Package gateway wires discovery, setup, process pools and the HTTP router into a running server,
// and stops it when no requests have arrived for the configured inactivity window.
package gateway
