// Package api exposes the task engine over HTTP: a REST surface for creating,
// inspecting and cancelling tasks, a WebSocket stream of task updates and an
// optional Prometheus endpoint.
package api
