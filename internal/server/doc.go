// Package server implements the HTTP and WebSocket surface of livechat.
//
// The Hub is the live connection registry: it relays inbound frames to every
// connected client and broadcasts the user list whenever membership changes.
// The API type serves the JSON endpoints for message history and accounts,
// delegating to the chat and auth services. Routing, middleware and server
// lifecycle live alongside them in this package.
package server
