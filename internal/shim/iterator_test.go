package shim

import (
	"testing"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/ledger/queryresult"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func drainKeys(t *testing.T, it StateQueryIteratorInterface) []string {
	t.Helper()
	var keys []string
	for it.HasNext() {
		kv, err := it.Next()
		require.NoError(t, err)
		keys = append(keys, kv.GetKey())
	}
	return keys
}

func TestStateIteratorExhaustsWithoutFetch(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	page := kvPage(t, "q1", false, [2]string{"a", "1"}, [2]string{"b", "2"})
	it := newStateQueryIterator(hs.h, "ch1", "tx1", page)

	assert.Equal(t, []string{"a", "b"}, drainKeys(t, it))
	assert.False(t, it.HasNext())
	_, err := it.Next()
	assert.ErrorIs(t, err, ErrIteratorExhausted)
	hs.stream.requireQuiet(t, 20*time.Millisecond)
}

func TestStateIteratorFetchesNextPageOnce(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	page := kvPage(t, "q1", true, [2]string{"a", "1"}, [2]string{"b", "2"})
	it := newStateQueryIterator(hs.h, "ch1", "tx1", page)

	got := make(chan []string, 1)
	go func() {
		got <- drainKeys(t, it)
	}()

	req := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_QUERY_STATE_NEXT, req.GetType())
	body := &peer.QueryStateNext{}
	require.NoError(t, proto.Unmarshal(req.GetPayload(), body))
	assert.Equal(t, "q1", body.GetId())
	hs.stream.deliver(respond(req, mustMarshal(t, kvPage(t, "q1", false, [2]string{"c", "3"}))))

	assert.Equal(t, []string{"a", "b", "c"}, <-got)
	hs.stream.requireQuiet(t, 20*time.Millisecond)
}

func TestStateIteratorSkipsEmptyIntermediatePage(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	it := newStateQueryIterator(hs.h, "ch1", "tx1", kvPage(t, "q1", true, [2]string{"a", "1"}))

	got := make(chan []string, 1)
	go func() {
		got <- drainKeys(t, it)
	}()

	first := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_QUERY_STATE_NEXT, first.GetType())
	hs.stream.deliver(respond(first, mustMarshal(t, kvPage(t, "q1", true))))

	second := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_QUERY_STATE_NEXT, second.GetType())
	hs.stream.deliver(respond(second, mustMarshal(t, kvPage(t, "q1", false, [2]string{"c", "3"}))))

	assert.Equal(t, []string{"a", "c"}, <-got)
	hs.stream.requireQuiet(t, 20*time.Millisecond)
}

func TestStateIteratorPropagatesFetchFailure(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	it := newStateQueryIterator(hs.h, "ch1", "tx1", kvPage(t, "q1", true))

	type result struct {
		has bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		has := it.HasNext()
		_, err := it.Next()
		done <- result{has, err}
	}()
	req := hs.stream.next(t)
	hs.stream.deliver(respondError(req, "query expired"))

	res := <-done
	assert.True(t, res.has)
	require.ErrorIs(t, res.err, ErrPeerError)
	assert.Contains(t, res.err.Error(), "query expired")

	assert.False(t, it.HasNext())
	_, err := it.Next()
	assert.ErrorIs(t, err, ErrIteratorExhausted)
	hs.stream.requireQuiet(t, 20*time.Millisecond)
}

func TestStateIteratorCloseReleasesCursor(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	it := newStateQueryIterator(hs.h, "ch1", "tx1", kvPage(t, "q7", true, [2]string{"a", "1"}))
	done := make(chan error, 1)
	go func() { done <- it.Close() }()

	req := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_QUERY_STATE_CLOSE, req.GetType())
	body := &peer.QueryStateClose{}
	require.NoError(t, proto.Unmarshal(req.GetPayload(), body))
	assert.Equal(t, "q7", body.GetId())
	hs.stream.deliver(respond(req, mustMarshal(t, &peer.QueryResponse{Id: "q7"})))
	require.NoError(t, <-done)
}

func TestHistoryIteratorDecodesModifications(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	ts := timestamppb.New(time.Unix(1700000000, 0))
	page := &peer.QueryResponse{Id: "h1"}
	for _, km := range []*queryresult.KeyModification{
		{TxId: "t1", Value: []byte("v1"), Timestamp: ts},
		{TxId: "t2", IsDelete: true, Timestamp: ts},
	} {
		page.Results = append(page.Results, &peer.QueryResultBytes{ResultBytes: mustMarshal(t, km)})
	}
	it := newHistoryQueryIterator(hs.h, "ch1", "tx1", page)

	require.True(t, it.HasNext())
	first, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "t1", first.GetTxId())
	assert.Equal(t, []byte("v1"), first.GetValue())
	assert.False(t, first.GetIsDelete())

	second, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "t2", second.GetTxId())
	assert.True(t, second.GetIsDelete())
	assert.Equal(t, ts.GetSeconds(), second.GetTimestamp().GetSeconds())

	assert.False(t, it.HasNext())
	hs.stream.requireQuiet(t, 20*time.Millisecond)
}

func TestRangeQueryAttachesPaginationMetadata(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	type result struct {
		res *queryResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		md := mustMarshal(t, &peer.QueryMetadata{PageSize: 2})
		res, err := hs.h.handleGetStateByRange(t.Context(), "", "a", "z", md, "ch1", "tx1")
		done <- result{res, err}
	}()

	req := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_GET_STATE_BY_RANGE, req.GetType())
	body := &peer.GetStateByRange{}
	require.NoError(t, proto.Unmarshal(req.GetPayload(), body))
	assert.Equal(t, "a", body.GetStartKey())
	assert.Equal(t, "z", body.GetEndKey())

	page := kvPage(t, "q1", false, [2]string{"a", "1"}, [2]string{"b", "2"})
	page.Metadata = mustMarshal(t, &peer.QueryResponseMetadata{FetchedRecordsCount: 2, Bookmark: "b"})
	hs.stream.deliver(respond(req, mustMarshal(t, page)))

	res := <-done
	require.NoError(t, res.err)
	require.NotNil(t, res.res.metadata)
	assert.Equal(t, int32(2), res.res.metadata.GetFetchedRecordsCount())
	assert.Equal(t, "b", res.res.metadata.GetBookmark())
	assert.Equal(t, []string{"a", "b"}, drainKeys(t, res.res.iter))
}

func TestRichQueryWithoutMetadataLeavesItNil(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	done := make(chan *queryResult, 1)
	go func() {
		res, err := hs.h.handleGetQueryResult(t.Context(), "", `{"selector":{}}`, nil, "ch1", "tx1")
		assert.NoError(t, err)
		done <- res
	}()
	req := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_GET_QUERY_RESULT, req.GetType())
	hs.stream.deliver(respond(req, mustMarshal(t, kvPage(t, "q2", false, [2]string{"x", "1"}))))

	res := <-done
	require.NotNil(t, res)
	assert.Nil(t, res.metadata)
	assert.Equal(t, []string{"x"}, drainKeys(t, res.iter))
}
