// Package chain describes the EVM networks a wallet client may talk to. It
// loads network metadata from YAML definitions, validates chain identifiers
// and lazily dials go-ethereum RPC backends per chain so higher layers can
// query balances and broadcast transactions uniformly.
package chain
