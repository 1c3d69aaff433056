package shim

import (
	"fmt"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

// Op identifies one outbound request kind. Each kind owns the decoder for
// the RESPONSE payload the peer answers it with.
type Op uint8

const (
	OpUnknown Op = iota
	OpGetState
	OpPutState
	OpDelState
	OpPutStateMetadata
	OpGetStateMetadata
	OpGetPrivateDataHash
	OpPurgePrivateData
	OpGetStateByRange
	OpGetQueryResult
	OpGetHistoryForKey
	OpQueryStateNext
	OpQueryStateClose
	OpInvokeChaincode
)

type decodeFunc func(h *Handler, resp *peer.ChaincodeMessage) (any, error)

type opSpec struct {
	name    string
	msgType peer.ChaincodeMessage_Type
	decode  decodeFunc
}

func (o Op) spec() opSpec {
	switch o {
	case OpGetState:
		return opSpec{name: "GetState", msgType: peer.ChaincodeMessage_GET_STATE, decode: decodeRaw}
	case OpPutState:
		return opSpec{name: "PutState", msgType: peer.ChaincodeMessage_PUT_STATE, decode: decodeRaw}
	case OpDelState:
		return opSpec{name: "DelState", msgType: peer.ChaincodeMessage_DEL_STATE, decode: decodeRaw}
	case OpPutStateMetadata:
		return opSpec{name: "PutStateMetadata", msgType: peer.ChaincodeMessage_PUT_STATE_METADATA, decode: decodeRaw}
	case OpGetStateMetadata:
		return opSpec{name: "GetStateMetadata", msgType: peer.ChaincodeMessage_GET_STATE_METADATA, decode: decodeStateMetadata}
	case OpGetPrivateDataHash:
		return opSpec{name: "GetPrivateDataHash", msgType: peer.ChaincodeMessage_GET_PRIVATE_DATA_HASH, decode: decodeRaw}
	case OpPurgePrivateData:
		return opSpec{name: "PurgePrivateData", msgType: peer.ChaincodeMessage_PURGE_PRIVATE_DATA, decode: decodeRaw}
	case OpGetStateByRange:
		return opSpec{name: "GetStateByRange", msgType: peer.ChaincodeMessage_GET_STATE_BY_RANGE, decode: decodeStateQuery}
	case OpGetQueryResult:
		return opSpec{name: "GetQueryResult", msgType: peer.ChaincodeMessage_GET_QUERY_RESULT, decode: decodeStateQuery}
	case OpGetHistoryForKey:
		return opSpec{name: "GetHistoryForKey", msgType: peer.ChaincodeMessage_GET_HISTORY_FOR_KEY, decode: decodeHistoryQuery}
	case OpQueryStateNext:
		return opSpec{name: "QueryStateNext", msgType: peer.ChaincodeMessage_QUERY_STATE_NEXT, decode: decodeQueryResponse}
	case OpQueryStateClose:
		return opSpec{name: "QueryStateClose", msgType: peer.ChaincodeMessage_QUERY_STATE_CLOSE, decode: decodeQueryResponse}
	case OpInvokeChaincode:
		return opSpec{name: "InvokeChaincode", msgType: peer.ChaincodeMessage_INVOKE_CHAINCODE, decode: decodeNestedMessage}
	default:
		// unrecognized kinds hand back the raw payload
		return opSpec{name: "Unknown", msgType: peer.ChaincodeMessage_UNDEFINED, decode: decodeRaw}
	}
}

func (o Op) String() string {
	return o.spec().name
}

// MessageType is the request type sent to the peer for this operation.
func (o Op) MessageType() peer.ChaincodeMessage_Type {
	return o.spec().msgType
}

// PeerError carries the text of an ERROR message returned by the peer.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	return e.Message
}

func (e *PeerError) Is(target error) bool {
	return target == ErrPeerError
}

// queryResult is the decoded answer to a range or rich query.
type queryResult struct {
	iter     *StateQueryIterator
	metadata *peer.QueryResponseMetadata
}

// decodeResponse turns a correlated reply into the shape the caller of op
// expects.
func decodeResponse(h *Handler, resp *peer.ChaincodeMessage, op Op) (any, error) {
	switch resp.GetType() {
	case peer.ChaincodeMessage_RESPONSE:
		return op.spec().decode(h, resp)
	case peer.ChaincodeMessage_ERROR:
		return nil, &PeerError{Message: string(resp.GetPayload())}
	default:
		return nil, fmt.Errorf("%w: received %s in response to the %s call, expecting RESPONSE", ErrUnexpectedResponse, resp.GetType(), op)
	}
}

func decodeRaw(_ *Handler, resp *peer.ChaincodeMessage) (any, error) {
	return resp.GetPayload(), nil
}

func decodeStateQuery(h *Handler, resp *peer.ChaincodeMessage) (any, error) {
	qr := &peer.QueryResponse{}
	if err := proto.Unmarshal(resp.GetPayload(), qr); err != nil {
		return nil, fmt.Errorf("shim: unmarshal query response: %w", err)
	}
	out := &queryResult{iter: newStateQueryIterator(h, resp.GetChannelId(), resp.GetTxid(), qr)}
	if len(qr.GetMetadata()) > 0 {
		md := &peer.QueryResponseMetadata{}
		if err := proto.Unmarshal(qr.GetMetadata(), md); err != nil {
			return nil, fmt.Errorf("shim: unmarshal query response metadata: %w", err)
		}
		out.metadata = md
	}
	return out, nil
}

func decodeHistoryQuery(h *Handler, resp *peer.ChaincodeMessage) (any, error) {
	qr := &peer.QueryResponse{}
	if err := proto.Unmarshal(resp.GetPayload(), qr); err != nil {
		return nil, fmt.Errorf("shim: unmarshal history response: %w", err)
	}
	return newHistoryQueryIterator(h, resp.GetChannelId(), resp.GetTxid(), qr), nil
}

func decodeQueryResponse(_ *Handler, resp *peer.ChaincodeMessage) (any, error) {
	qr := &peer.QueryResponse{}
	if err := proto.Unmarshal(resp.GetPayload(), qr); err != nil {
		return nil, fmt.Errorf("shim: unmarshal query response: %w", err)
	}
	return qr, nil
}

func decodeNestedMessage(_ *Handler, resp *peer.ChaincodeMessage) (any, error) {
	nested := &peer.ChaincodeMessage{}
	if err := proto.Unmarshal(resp.GetPayload(), nested); err != nil {
		return nil, fmt.Errorf("shim: unmarshal invoke response: %w", err)
	}
	return nested, nil
}

func decodeStateMetadata(_ *Handler, resp *peer.ChaincodeMessage) (any, error) {
	result := &peer.StateMetadataResult{}
	if err := proto.Unmarshal(resp.GetPayload(), result); err != nil {
		return nil, fmt.Errorf("shim: unmarshal state metadata: %w", err)
	}
	out := make(map[string][]byte, len(result.GetEntries()))
	for _, entry := range result.GetEntries() {
		out[entry.GetMetakey()] = entry.GetValue()
	}
	return out, nil
}

func shortTxID(txID string) string {
	if len(txID) < 8 {
		return txID
	}
	return txID[:8]
}

func txLabel(channelID, txID string) string {
	return channelID + "-" + shortTxID(txID)
}
