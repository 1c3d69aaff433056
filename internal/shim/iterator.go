package shim

import (
	"context"
	"fmt"

	"github.com/hyperledger/fabric-protos-go-apiv2/ledger/queryresult"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

// pageCursor walks the pages of one peer-side query. It is forward-only and
// owned by a single caller.
type pageCursor struct {
	h         *Handler
	ctx       context.Context
	channelID string
	txID      string

	page   *peer.QueryResponse
	cursor int
	err    error
	failed bool
}

func newPageCursor(h *Handler, channelID, txID string, page *peer.QueryResponse) pageCursor {
	return pageCursor{h: h, ctx: h.ctx, channelID: channelID, txID: txID, page: page}
}

// hasNext reports whether another entry is available, fetching pages from
// the peer until one carries results or the peer reports no more. A failed
// fetch reports true once so the following next surfaces the error; after
// that the cursor is spent.
func (c *pageCursor) hasNext() bool {
	if c.err != nil {
		return true
	}
	if c.failed {
		return false
	}
	for c.cursor >= len(c.page.GetResults()) {
		if !c.page.GetHasMore() {
			return false
		}
		next, err := c.h.handleQueryStateNext(c.ctx, c.page.GetId(), c.channelID, c.txID)
		if err != nil {
			c.err = err
			return true
		}
		c.page = next
		c.cursor = 0
	}
	return true
}

func (c *pageCursor) nextBytes() ([]byte, error) {
	if !c.hasNext() {
		return nil, ErrIteratorExhausted
	}
	if c.err != nil {
		err := c.err
		c.err = nil
		c.failed = true
		return nil, err
	}
	raw := c.page.GetResults()[c.cursor].GetResultBytes()
	c.cursor++
	return raw, nil
}

func (c *pageCursor) close() error {
	_, err := c.h.handleQueryStateClose(c.ctx, c.page.GetId(), c.channelID, c.txID)
	return err
}

// StateQueryIterator yields key/value entries of a range or rich query.
type StateQueryIterator struct {
	pageCursor
}

func newStateQueryIterator(h *Handler, channelID, txID string, page *peer.QueryResponse) *StateQueryIterator {
	return &StateQueryIterator{pageCursor: newPageCursor(h, channelID, txID, page)}
}

func (it *StateQueryIterator) HasNext() bool {
	return it.hasNext()
}

func (it *StateQueryIterator) Next() (*queryresult.KV, error) {
	raw, err := it.nextBytes()
	if err != nil {
		return nil, err
	}
	kv := &queryresult.KV{}
	if err := proto.Unmarshal(raw, kv); err != nil {
		return nil, fmt.Errorf("shim: [%s] unmarshal query entry: %w", txLabel(it.channelID, it.txID), err)
	}
	return kv, nil
}

// Close releases the peer-side cursor. Call it once.
func (it *StateQueryIterator) Close() error {
	return it.close()
}

// HistoryQueryIterator yields the modifications of one key.
type HistoryQueryIterator struct {
	pageCursor
}

func newHistoryQueryIterator(h *Handler, channelID, txID string, page *peer.QueryResponse) *HistoryQueryIterator {
	return &HistoryQueryIterator{pageCursor: newPageCursor(h, channelID, txID, page)}
}

func (it *HistoryQueryIterator) HasNext() bool {
	return it.hasNext()
}

func (it *HistoryQueryIterator) Next() (*queryresult.KeyModification, error) {
	raw, err := it.nextBytes()
	if err != nil {
		return nil, err
	}
	km := &queryresult.KeyModification{}
	if err := proto.Unmarshal(raw, km); err != nil {
		return nil, fmt.Errorf("shim: [%s] unmarshal history entry: %w", txLabel(it.channelID, it.txID), err)
	}
	return km, nil
}

// Close releases the peer-side cursor. Call it once.
func (it *HistoryQueryIterator) Close() error {
	return it.close()
}
