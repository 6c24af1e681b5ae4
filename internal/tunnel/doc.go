// Package tunnel bridges one downstream WebSocket to an upstream WebSocket
// that is re-dialed whenever the upstream goes away.
//
// A [Session] owns the downstream connection and a [Supervisor]. The
// Supervisor runs a single goroutine that dials the upstream through a
// [Connector], relays upstream messages to the Session while the connection
// is open, and waits a fixed delay before dialing again after a failure or
// close. Downstream messages that arrive while no upstream is open are
// dropped. Closing the Session stops the Supervisor for good.
package tunnel
