package shim

import (
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
)

// Status codes carried by a completion Response.
const (
	OK             int32 = 200
	ERRORTHRESHOLD int32 = 400
	ERROR          int32 = 500
)

// Response is the outcome of an Init/Invoke call or a chaincode-to-chaincode
// invocation. A zero Status means the contract never decided.
type Response struct {
	Status  int32
	Message string
	Payload []byte
}

// Success returns an OK response carrying payload.
func Success(payload []byte) Response {
	return Response{Status: OK, Payload: payload}
}

// Error returns an ERROR response carrying msg.
func Error(msg string) Response {
	return Response{Status: ERROR, Message: msg}
}

// Decided reports whether a status code was set.
func (r Response) Decided() bool {
	return r.Status != 0
}

// Failed reports whether the status is at or above the error threshold.
func (r Response) Failed() bool {
	return r.Status >= ERRORTHRESHOLD
}

// toProto encodes the response for the COMPLETED wire message. Failed
// responses never carry a payload.
func (r Response) toProto() *peer.Response {
	if r.Failed() {
		return &peer.Response{Status: r.Status, Message: r.Message}
	}
	return &peer.Response{Status: r.Status, Message: r.Message, Payload: r.Payload}
}

func responseFromProto(p *peer.Response) Response {
	if p == nil {
		return Response{}
	}
	return Response{Status: p.GetStatus(), Message: p.GetMessage(), Payload: p.GetPayload()}
}
