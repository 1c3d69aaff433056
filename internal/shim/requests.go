package shim

import (
	"context"
	"fmt"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

// as narrows a dispatcher result to the type the operation decodes to.
func as[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: decoded to %T, want %T", ErrUnexpectedResponse, v, zero)
	}
	return out, nil
}

func (h *Handler) handleGetState(ctx context.Context, collection, key, channelID, txID string) ([]byte, error) {
	return as[[]byte](h.call(ctx, channelID, txID, OpGetState, &peer.GetState{Key: key, Collection: collection}))
}

func (h *Handler) handlePutState(ctx context.Context, collection, key string, value []byte, channelID, txID string) error {
	_, err := h.call(ctx, channelID, txID, OpPutState, &peer.PutState{Key: key, Value: value, Collection: collection})
	return err
}

func (h *Handler) handleDelState(ctx context.Context, collection, key, channelID, txID string) error {
	_, err := h.call(ctx, channelID, txID, OpDelState, &peer.DelState{Key: key, Collection: collection})
	return err
}

func (h *Handler) handlePurgeState(ctx context.Context, collection, key, channelID, txID string) error {
	_, err := h.call(ctx, channelID, txID, OpPurgePrivateData, &peer.PurgePrivateState{Key: key, Collection: collection})
	return err
}

func (h *Handler) handlePutStateMetadataEntry(ctx context.Context, collection, key, metakey string, value []byte, channelID, txID string) error {
	msg := &peer.PutStateMetadata{
		Key:        key,
		Collection: collection,
		Metadata:   &peer.StateMetadata{Metakey: metakey, Value: value},
	}
	_, err := h.call(ctx, channelID, txID, OpPutStateMetadata, msg)
	return err
}

func (h *Handler) handleGetStateMetadata(ctx context.Context, collection, key, channelID, txID string) (map[string][]byte, error) {
	return as[map[string][]byte](h.call(ctx, channelID, txID, OpGetStateMetadata, &peer.GetStateMetadata{Key: key, Collection: collection}))
}

func (h *Handler) handleGetPrivateDataHash(ctx context.Context, collection, key, channelID, txID string) ([]byte, error) {
	return as[[]byte](h.call(ctx, channelID, txID, OpGetPrivateDataHash, &peer.GetState{Key: key, Collection: collection}))
}

func (h *Handler) handleGetStateByRange(ctx context.Context, collection, startKey, endKey string, metadata []byte, channelID, txID string) (*queryResult, error) {
	msg := &peer.GetStateByRange{StartKey: startKey, EndKey: endKey, Collection: collection, Metadata: metadata}
	return as[*queryResult](h.call(ctx, channelID, txID, OpGetStateByRange, msg))
}

func (h *Handler) handleGetQueryResult(ctx context.Context, collection, query string, metadata []byte, channelID, txID string) (*queryResult, error) {
	msg := &peer.GetQueryResult{Query: query, Collection: collection, Metadata: metadata}
	return as[*queryResult](h.call(ctx, channelID, txID, OpGetQueryResult, msg))
}

func (h *Handler) handleGetHistoryForKey(ctx context.Context, key, channelID, txID string) (*HistoryQueryIterator, error) {
	return as[*HistoryQueryIterator](h.call(ctx, channelID, txID, OpGetHistoryForKey, &peer.GetHistoryForKey{Key: key}))
}

func (h *Handler) handleQueryStateNext(ctx context.Context, id, channelID, txID string) (*peer.QueryResponse, error) {
	return as[*peer.QueryResponse](h.call(ctx, channelID, txID, OpQueryStateNext, &peer.QueryStateNext{Id: id}))
}

func (h *Handler) handleQueryStateClose(ctx context.Context, id, channelID, txID string) (*peer.QueryResponse, error) {
	return as[*peer.QueryResponse](h.call(ctx, channelID, txID, OpQueryStateClose, &peer.QueryStateClose{Id: id}))
}

// handleInvokeChaincode calls another chaincode within the same transaction.
// Every failure is folded into an ERROR status so the calling contract sees
// one result shape.
func (h *Handler) handleInvokeChaincode(ctx context.Context, chaincodeName string, args [][]byte, channelID, txID string) Response {
	spec := &peer.ChaincodeSpec{
		ChaincodeId: &peer.ChaincodeID{Name: chaincodeName},
		Input:       &peer.ChaincodeInput{Args: args},
	}
	nested, err := as[*peer.ChaincodeMessage](h.call(ctx, channelID, txID, OpInvokeChaincode, spec))
	if err != nil {
		return Error(err.Error())
	}
	switch nested.GetType() {
	case peer.ChaincodeMessage_COMPLETED:
		resp := &peer.Response{}
		if err := proto.Unmarshal(nested.GetPayload(), resp); err != nil {
			return Error(fmt.Sprintf("shim: [%s] unmarshal invoke result: %v", txLabel(channelID, txID), err))
		}
		return responseFromProto(resp)
	case peer.ChaincodeMessage_ERROR:
		return Error(string(nested.GetPayload()))
	default:
		return Error(fmt.Sprintf("shim: [%s] %v: nested %s", txLabel(channelID, txID), ErrUnexpectedResponse, nested.GetType()))
	}
}
