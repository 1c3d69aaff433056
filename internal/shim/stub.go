package shim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const validationParameterKey = "VALIDATION_PARAMETER"

// ChaincodeStub is the per-call view of the ledger handed to a contract.
// It is only valid for the duration of the Init or Invoke call it was
// built for.
type ChaincodeStub struct {
	h         *Handler
	ctx       context.Context
	channelID string
	txID      string

	args        [][]byte
	decorations map[string][]byte

	signedProposal *peer.SignedProposal
	proposal       *peer.Proposal
	creator        []byte
	transient      map[string][]byte
	binding        []byte
	txTimestamp    *timestamppb.Timestamp

	chaincodeEvent *peer.ChaincodeEvent
}

var _ ChaincodeStubInterface = (*ChaincodeStub)(nil)

// NewChaincodeStub is the default StubFactory. It unpacks the signed
// proposal, when the peer sent one, into creator, transient data, binding
// and timestamp.
func NewChaincodeStub(h *Handler, channelID, txID string, input *peer.ChaincodeInput, signedProposal *peer.SignedProposal) (*ChaincodeStub, error) {
	stub := &ChaincodeStub{
		h:              h,
		ctx:            h.ctx,
		channelID:      channelID,
		txID:           txID,
		args:           input.GetArgs(),
		decorations:    input.GetDecorations(),
		signedProposal: signedProposal,
	}
	if signedProposal == nil {
		return stub, nil
	}

	prop := &peer.Proposal{}
	if err := proto.Unmarshal(signedProposal.GetProposalBytes(), prop); err != nil {
		return nil, fmt.Errorf("shim: [%s] extract proposal: %w", txLabel(channelID, txID), err)
	}
	stub.proposal = prop

	hdr := &common.Header{}
	if err := proto.Unmarshal(prop.GetHeader(), hdr); err != nil {
		return nil, fmt.Errorf("shim: [%s] extract proposal header: %w", txLabel(channelID, txID), err)
	}
	chdr := &common.ChannelHeader{}
	if err := proto.Unmarshal(hdr.GetChannelHeader(), chdr); err != nil {
		return nil, fmt.Errorf("shim: [%s] extract channel header: %w", txLabel(channelID, txID), err)
	}
	shdr := &common.SignatureHeader{}
	if err := proto.Unmarshal(hdr.GetSignatureHeader(), shdr); err != nil {
		return nil, fmt.Errorf("shim: [%s] extract signature header: %w", txLabel(channelID, txID), err)
	}
	payload := &peer.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(prop.GetPayload(), payload); err != nil {
		return nil, fmt.Errorf("shim: [%s] extract proposal payload: %w", txLabel(channelID, txID), err)
	}

	stub.creator = shdr.GetCreator()
	stub.transient = payload.GetTransientMap()
	stub.txTimestamp = chdr.GetTimestamp()
	stub.binding = computeBinding(shdr.GetNonce(), shdr.GetCreator(), chdr.GetEpoch())
	return stub, nil
}

// computeBinding hashes nonce, creator and the little-endian epoch.
func computeBinding(nonce, creator []byte, epoch uint64) []byte {
	var epochBytes [8]byte
	binary.LittleEndian.PutUint64(epochBytes[:], epoch)
	sum := sha256.New()
	sum.Write(nonce)
	sum.Write(creator)
	sum.Write(epochBytes[:])
	return sum.Sum(nil)
}

func (s *ChaincodeStub) GetArgs() [][]byte {
	return s.args
}

func (s *ChaincodeStub) GetStringArgs() []string {
	out := make([]string, 0, len(s.args))
	for _, arg := range s.args {
		out = append(out, string(arg))
	}
	return out
}

// GetFunctionAndParameters splits the arguments into a function name and
// its string parameters.
func (s *ChaincodeStub) GetFunctionAndParameters() (string, []string) {
	args := s.GetStringArgs()
	if len(args) == 0 {
		return "", []string{}
	}
	return args[0], args[1:]
}

func (s *ChaincodeStub) GetArgsSlice() ([]byte, error) {
	var out []byte
	for _, arg := range s.args {
		out = append(out, arg...)
	}
	return out, nil
}

func (s *ChaincodeStub) GetTxID() string {
	return s.txID
}

func (s *ChaincodeStub) GetChannelID() string {
	return s.channelID
}

// InvokeChaincode calls another chaincode in this transaction. An empty
// channel targets the caller's own channel.
func (s *ChaincodeStub) InvokeChaincode(chaincodeName string, args [][]byte, channel string) Response {
	if channel != "" {
		chaincodeName = chaincodeName + "/" + channel
	}
	return s.h.handleInvokeChaincode(s.ctx, chaincodeName, args, s.channelID, s.txID)
}

func (s *ChaincodeStub) GetState(key string) ([]byte, error) {
	return s.h.handleGetState(s.ctx, "", key, s.channelID, s.txID)
}

func (s *ChaincodeStub) PutState(key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be an empty string", ErrInvalidKey)
	}
	return s.h.handlePutState(s.ctx, "", key, value, s.channelID, s.txID)
}

func (s *ChaincodeStub) DelState(key string) error {
	return s.h.handleDelState(s.ctx, "", key, s.channelID, s.txID)
}

func (s *ChaincodeStub) SetStateValidationParameter(key string, ep []byte) error {
	return s.h.handlePutStateMetadataEntry(s.ctx, "", key, validationParameterKey, ep, s.channelID, s.txID)
}

func (s *ChaincodeStub) GetStateValidationParameter(key string) ([]byte, error) {
	md, err := s.h.handleGetStateMetadata(s.ctx, "", key, s.channelID, s.txID)
	if err != nil {
		return nil, err
	}
	return md[validationParameterKey], nil
}

func (s *ChaincodeStub) GetStateByRange(startKey, endKey string) (StateQueryIteratorInterface, error) {
	if startKey == "" {
		startKey = emptyKeySubstitute
	}
	if err := validateSimpleKeys(startKey, endKey); err != nil {
		return nil, err
	}
	return s.rangeIterator("", startKey, endKey)
}

func (s *ChaincodeStub) GetStateByRangeWithPagination(startKey, endKey string, pageSize int32, bookmark string) (StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	if startKey == "" {
		startKey = emptyKeySubstitute
	}
	if err := validateSimpleKeys(startKey, endKey); err != nil {
		return nil, nil, err
	}
	return s.rangeIteratorWithPagination("", startKey, endKey, pageSize, bookmark)
}

func (s *ChaincodeStub) GetStateByPartialCompositeKey(objectType string, attributes []string) (StateQueryIteratorInterface, error) {
	startKey, endKey, err := partialCompositeKeyRange(objectType, attributes)
	if err != nil {
		return nil, err
	}
	return s.rangeIterator("", startKey, endKey)
}

func (s *ChaincodeStub) GetStateByPartialCompositeKeyWithPagination(objectType string, attributes []string, pageSize int32, bookmark string) (StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	startKey, endKey, err := partialCompositeKeyRange(objectType, attributes)
	if err != nil {
		return nil, nil, err
	}
	return s.rangeIteratorWithPagination("", startKey, endKey, pageSize, bookmark)
}

func (s *ChaincodeStub) CreateCompositeKey(objectType string, attributes []string) (string, error) {
	return CreateCompositeKey(objectType, attributes)
}

func (s *ChaincodeStub) SplitCompositeKey(compositeKey string) (string, []string, error) {
	return SplitCompositeKey(compositeKey)
}

func (s *ChaincodeStub) GetQueryResult(query string) (StateQueryIteratorInterface, error) {
	res, err := s.h.handleGetQueryResult(s.ctx, "", query, nil, s.channelID, s.txID)
	if err != nil {
		return nil, err
	}
	return res.iter, nil
}

func (s *ChaincodeStub) GetQueryResultWithPagination(query string, pageSize int32, bookmark string) (StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	md, err := paginationMetadata(pageSize, bookmark)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.h.handleGetQueryResult(s.ctx, "", query, md, s.channelID, s.txID)
	if err != nil {
		return nil, nil, err
	}
	return res.iter, res.metadata, nil
}

func (s *ChaincodeStub) GetHistoryForKey(key string) (HistoryQueryIteratorInterface, error) {
	it, err := s.h.handleGetHistoryForKey(s.ctx, key, s.channelID, s.txID)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (s *ChaincodeStub) GetPrivateData(collection, key string) ([]byte, error) {
	if collection == "" {
		return nil, ErrCollectionRequired
	}
	return s.h.handleGetState(s.ctx, collection, key, s.channelID, s.txID)
}

func (s *ChaincodeStub) GetPrivateDataHash(collection, key string) ([]byte, error) {
	if collection == "" {
		return nil, ErrCollectionRequired
	}
	return s.h.handleGetPrivateDataHash(s.ctx, collection, key, s.channelID, s.txID)
}

func (s *ChaincodeStub) PutPrivateData(collection, key string, value []byte) error {
	if collection == "" {
		return ErrCollectionRequired
	}
	if key == "" {
		return fmt.Errorf("%w: key must not be an empty string", ErrInvalidKey)
	}
	return s.h.handlePutState(s.ctx, collection, key, value, s.channelID, s.txID)
}

func (s *ChaincodeStub) DelPrivateData(collection, key string) error {
	if collection == "" {
		return ErrCollectionRequired
	}
	return s.h.handleDelState(s.ctx, collection, key, s.channelID, s.txID)
}

func (s *ChaincodeStub) PurgePrivateData(collection, key string) error {
	if collection == "" {
		return ErrCollectionRequired
	}
	return s.h.handlePurgeState(s.ctx, collection, key, s.channelID, s.txID)
}

func (s *ChaincodeStub) SetPrivateDataValidationParameter(collection, key string, ep []byte) error {
	if collection == "" {
		return ErrCollectionRequired
	}
	return s.h.handlePutStateMetadataEntry(s.ctx, collection, key, validationParameterKey, ep, s.channelID, s.txID)
}

func (s *ChaincodeStub) GetPrivateDataValidationParameter(collection, key string) ([]byte, error) {
	if collection == "" {
		return nil, ErrCollectionRequired
	}
	md, err := s.h.handleGetStateMetadata(s.ctx, collection, key, s.channelID, s.txID)
	if err != nil {
		return nil, err
	}
	return md[validationParameterKey], nil
}

func (s *ChaincodeStub) GetPrivateDataByRange(collection, startKey, endKey string) (StateQueryIteratorInterface, error) {
	if collection == "" {
		return nil, ErrCollectionRequired
	}
	if startKey == "" {
		startKey = emptyKeySubstitute
	}
	if err := validateSimpleKeys(startKey, endKey); err != nil {
		return nil, err
	}
	return s.rangeIterator(collection, startKey, endKey)
}

func (s *ChaincodeStub) GetPrivateDataByPartialCompositeKey(collection, objectType string, attributes []string) (StateQueryIteratorInterface, error) {
	if collection == "" {
		return nil, ErrCollectionRequired
	}
	startKey, endKey, err := partialCompositeKeyRange(objectType, attributes)
	if err != nil {
		return nil, err
	}
	return s.rangeIterator(collection, startKey, endKey)
}

func (s *ChaincodeStub) GetPrivateDataQueryResult(collection, query string) (StateQueryIteratorInterface, error) {
	if collection == "" {
		return nil, ErrCollectionRequired
	}
	res, err := s.h.handleGetQueryResult(s.ctx, collection, query, nil, s.channelID, s.txID)
	if err != nil {
		return nil, err
	}
	return res.iter, nil
}

func (s *ChaincodeStub) GetCreator() ([]byte, error) {
	return s.creator, nil
}

func (s *ChaincodeStub) GetTransient() (map[string][]byte, error) {
	return s.transient, nil
}

func (s *ChaincodeStub) GetBinding() ([]byte, error) {
	return s.binding, nil
}

func (s *ChaincodeStub) GetDecorations() map[string][]byte {
	return s.decorations
}

func (s *ChaincodeStub) GetSignedProposal() (*peer.SignedProposal, error) {
	return s.signedProposal, nil
}

func (s *ChaincodeStub) GetTxTimestamp() (*timestamppb.Timestamp, error) {
	if s.txTimestamp == nil {
		return nil, fmt.Errorf("shim: [%s] no proposal timestamp", txLabel(s.channelID, s.txID))
	}
	return s.txTimestamp, nil
}

// SetEvent attaches an event to the transaction's completion message. A
// later call replaces the earlier event.
func (s *ChaincodeStub) SetEvent(name string, payload []byte) error {
	if name == "" {
		return errors.New("shim: event name can not be empty string")
	}
	s.chaincodeEvent = &peer.ChaincodeEvent{EventName: name, Payload: payload}
	return nil
}

func (s *ChaincodeStub) rangeIterator(collection, startKey, endKey string) (StateQueryIteratorInterface, error) {
	res, err := s.h.handleGetStateByRange(s.ctx, collection, startKey, endKey, nil, s.channelID, s.txID)
	if err != nil {
		return nil, err
	}
	return res.iter, nil
}

func (s *ChaincodeStub) rangeIteratorWithPagination(collection, startKey, endKey string, pageSize int32, bookmark string) (StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	md, err := paginationMetadata(pageSize, bookmark)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.h.handleGetStateByRange(s.ctx, collection, startKey, endKey, md, s.channelID, s.txID)
	if err != nil {
		return nil, nil, err
	}
	return res.iter, res.metadata, nil
}

func paginationMetadata(pageSize int32, bookmark string) ([]byte, error) {
	md, err := proto.Marshal(&peer.QueryMetadata{PageSize: pageSize, Bookmark: bookmark})
	if err != nil {
		return nil, fmt.Errorf("shim: marshal query metadata: %w", err)
	}
	return md, nil
}
