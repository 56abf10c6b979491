// Package gateway is the AMCP transport. Clients connect over plain TCP
// (the classic AMCP port) or over a WebSocket on the HTTP server, which
// also exposes /metrics and /healthz. Each connection gets a nanoid
// session id; received bytes are throttled per client and passed to a
// Handler, and replies come back through Server's Send and Disconnect.
package gateway
