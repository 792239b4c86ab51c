// Package realtime contains the live side of the chat: the room registry, the
// message bus that persists and fans out messages, and the websocket gateway
// that speaks protocol v1 to clients.
package realtime
