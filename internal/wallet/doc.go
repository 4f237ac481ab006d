// Package wallet provides wallet providers the injected connector can wrap:
// an in-process keyed wallet for development and automation, and a remote
// wallet reached over JSON-RPC whose account and chain changes are detected
// by polling.
package wallet
