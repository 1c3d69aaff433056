package shim

import "errors"

var (
	ErrChaincodeRequired  = errors.New("shim: chaincode required")
	ErrStreamRequired     = errors.New("shim: stream required")
	ErrChaincodeIDMissing = errors.New("shim: chaincode id name required")
	ErrConnectionClosed   = errors.New("shim: connection closed")
	ErrRequestTimeout     = errors.New("shim: request timed out")
	ErrUnexpectedResponse = errors.New("shim: unexpected response type")
	ErrPeerError          = errors.New("shim: peer returned error")
	ErrFatalProtocol      = errors.New("shim: fatal protocol violation")
	ErrIteratorExhausted  = errors.New("shim: iterator exhausted")
	ErrCollectionRequired = errors.New("shim: collection must not be an empty string")
	ErrInvalidKey         = errors.New("shim: invalid key")
)
