// Package dialer provides the outbound dialer used by hmrproxy.
//
// Both the plain HTTP passthrough transport and the upstream WebSocket
// connector dial through the same Dialer, so dial timeout and TCP keepalive
// settings apply uniformly to every connection made to the upstream dev
// server.
package dialer
