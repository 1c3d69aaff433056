package shim

import (
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/ledger/queryresult"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Chaincode is the contract boundary driven by INIT and TRANSACTION calls.
type Chaincode interface {
	Init(stub ChaincodeStubInterface) Response
	Invoke(stub ChaincodeStubInterface) Response
}

// ChaincodeStream is the duplex message stream to the peer. The gRPC
// client stream returned by ChaincodeSupport.Register satisfies it.
type ChaincodeStream interface {
	Send(*peer.ChaincodeMessage) error
	Recv() (*peer.ChaincodeMessage, error)
}

// ClientStream is implemented by streams that can half-close the send side.
type ClientStream interface {
	ChaincodeStream
	CloseSend() error
}

// StubFactory builds the per-call context handed to the contract.
type StubFactory func(h *Handler, channelID, txID string, input *peer.ChaincodeInput, signedProposal *peer.SignedProposal) (*ChaincodeStub, error)

// Metrics receives protocol engine observations. Implementations must be
// safe for concurrent use.
type Metrics interface {
	ObserveRequest(msgType string, outcome string, d time.Duration)
	OrphanResponse()
	InboundCall(kind string, status int32)
	ProtocolError(state string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string, time.Duration) {}
func (nopMetrics) OrphanResponse()                              {}
func (nopMetrics) InboundCall(string, int32)                    {}
func (nopMetrics) ProtocolError(string)                         {}

// StateQueryIteratorInterface walks range and rich query results.
type StateQueryIteratorInterface interface {
	HasNext() bool
	Next() (*queryresult.KV, error)
	Close() error
}

// HistoryQueryIteratorInterface walks the modification history of a key.
type HistoryQueryIteratorInterface interface {
	HasNext() bool
	Next() (*queryresult.KeyModification, error)
	Close() error
}

// ChaincodeStubInterface is the ledger API available during one call.
type ChaincodeStubInterface interface {
	GetArgs() [][]byte
	GetStringArgs() []string
	GetFunctionAndParameters() (string, []string)
	GetArgsSlice() ([]byte, error)
	GetTxID() string
	GetChannelID() string

	InvokeChaincode(chaincodeName string, args [][]byte, channel string) Response

	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
	DelState(key string) error
	SetStateValidationParameter(key string, ep []byte) error
	GetStateValidationParameter(key string) ([]byte, error)
	GetStateByRange(startKey, endKey string) (StateQueryIteratorInterface, error)
	GetStateByRangeWithPagination(startKey, endKey string, pageSize int32, bookmark string) (StateQueryIteratorInterface, *peer.QueryResponseMetadata, error)
	GetStateByPartialCompositeKey(objectType string, keys []string) (StateQueryIteratorInterface, error)
	GetStateByPartialCompositeKeyWithPagination(objectType string, keys []string, pageSize int32, bookmark string) (StateQueryIteratorInterface, *peer.QueryResponseMetadata, error)
	CreateCompositeKey(objectType string, attributes []string) (string, error)
	SplitCompositeKey(compositeKey string) (string, []string, error)
	GetQueryResult(query string) (StateQueryIteratorInterface, error)
	GetQueryResultWithPagination(query string, pageSize int32, bookmark string) (StateQueryIteratorInterface, *peer.QueryResponseMetadata, error)
	GetHistoryForKey(key string) (HistoryQueryIteratorInterface, error)

	GetPrivateData(collection, key string) ([]byte, error)
	GetPrivateDataHash(collection, key string) ([]byte, error)
	PutPrivateData(collection, key string, value []byte) error
	DelPrivateData(collection, key string) error
	PurgePrivateData(collection, key string) error
	SetPrivateDataValidationParameter(collection, key string, ep []byte) error
	GetPrivateDataValidationParameter(collection, key string) ([]byte, error)
	GetPrivateDataByRange(collection, startKey, endKey string) (StateQueryIteratorInterface, error)
	GetPrivateDataByPartialCompositeKey(collection, objectType string, keys []string) (StateQueryIteratorInterface, error)
	GetPrivateDataQueryResult(collection, query string) (StateQueryIteratorInterface, error)

	GetCreator() ([]byte, error)
	GetTransient() (map[string][]byte, error)
	GetBinding() ([]byte, error)
	GetDecorations() map[string][]byte
	GetSignedProposal() (*peer.SignedProposal, error)
	GetTxTimestamp() (*timestamppb.Timestamp, error)
	SetEvent(name string, payload []byte) error
}
