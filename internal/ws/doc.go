// Package ws is the WebSocket surface between the session core and the
// remote panel renderer. It implements ui.Sink by broadcasting every core
// message to all connected clients, and routes inbound panel commands
// (create, remove, switch, input, resize, shell-ready, save, restore) to
// the registry and persistence layers.
//
// Delivery is fire-and-forget: a slow client has its messages dropped with
// a log line rather than backpressuring the core.
package ws
