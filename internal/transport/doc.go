// Package transport dials the peer's chaincode support service and opens
// the bidirectional Register stream the shim talks over.
//
// Ownership boundary:
// - gRPC client connection setup (TLS, mTLS, keepalive, message limits)
// - connect retry with exponential backoff
// - client transport security validation
package transport
