// Package auth verifies caller identity for the chat HTTP and websocket surfaces.
//
// Identity is owned by an external provider. This package only checks its
// tokens: PASETO v4.public access tokens, HS256 JWTs, or (dev only) a bare user id.
package auth
