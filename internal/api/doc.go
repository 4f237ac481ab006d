// Package api exposes the wallet client over HTTP: reading the connection
// state, connecting and disconnecting connectors, switching networks, reading
// balances and submitting transactions. Errors are returned as JSON bodies
// carrying the error code, with the HTTP status derived from that code.
package api
