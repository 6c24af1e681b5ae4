// Package proxy implements the hmrproxy listener side.
//
// A single HTTP server accepts both plain requests, which are reverse
// proxied to the upstream dev server unchanged, and WebSocket upgrades,
// which are handed to a tunnel.Session that keeps its own reconnecting
// upstream WebSocket.
package proxy
