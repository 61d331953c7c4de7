// Package api exposes the control surface of the daemon: accepting and
// rejecting recommended actions, listing in-flight sessions, streaming
// lifecycle events as server-sent events, health and Prometheus metrics.
package api
