// Package rpcerr defines the router's error taxonomy.
//
// Each sentinel maps to one outcome in the HTTP surface (spec.md §6/§7);
// callers should compare with errors.Is rather than string matching.
package rpcerr

import "errors"

var (
	// ErrChainNotFound means chain:{chainId} is absent from the registry.
	ErrChainNotFound = errors.New("rpcrouter: chain not found")
	// ErrNoHealthyRpc means no eligible upstream exists for a chain, or a
	// forwarded call failed without a decodable reply.
	ErrNoHealthyRpc = errors.New("rpcrouter: no healthy rpc available")
	// ErrInvalidConfig means the on-disk config file failed schema validation.
	ErrInvalidConfig = errors.New("rpcrouter: invalid config file")
	// ErrInvalidRequest means the inbound JSON-RPC body failed validation.
	ErrInvalidRequest = errors.New("rpcrouter: invalid json-rpc request")
	// ErrInvalidSession means a supplied session id did not resolve.
	ErrInvalidSession = errors.New("rpcrouter: invalid session")
)
