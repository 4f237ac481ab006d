// Package config loads the walletd JSON configuration: API address, logging,
// session storage, chain definitions, wallet connectors and the change relay.
package config
