// Package auth guards the wallet HTTP API with static bearer tokens. Each
// token maps to a named subject carrying wallet:read, wallet:connect or
// wallet:send permissions, and every authenticated request is written to the
// audit log.
package auth
