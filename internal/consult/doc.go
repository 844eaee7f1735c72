// Package consult implements the consultation signaling protocol: the
// inbound envelope schema, the outbound event shapes and their destination
// naming, and the message router that turns envelopes into room registry
// mutations, room broadcasts, and point-to-point deliveries.
//
// The package models the protocol surface only; the WebSocket substrate that
// carries frames to connected clients lives in internal/hub behind the
// Transport interface.
package consult
