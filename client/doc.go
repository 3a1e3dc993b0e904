// Package client bridges a local stdio MCP peer to a remote gateway: each line read from stdin is POSTed to the
// gateway and the response is written back as a line on stdout.
package client
