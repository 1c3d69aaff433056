package shim

import (
	"sync"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
)

// txKey scopes one transaction context. A struct key keeps distinct
// (channel, txid) pairs from aliasing.
type txKey struct {
	channelID string
	txID      string
}

func keyOf(msg *peer.ChaincodeMessage) txKey {
	return txKey{channelID: msg.GetChannelId(), txID: msg.GetTxid()}
}

func (k txKey) String() string {
	return txLabel(k.channelID, k.txID)
}

type callResult struct {
	value any
	err   error
}

// pendingRequest is one outbound request awaiting its correlated reply.
// done is buffered so completion never blocks the receive loop, even when
// the caller has already given up.
type pendingRequest struct {
	msg      *peer.ChaincodeMessage
	op       Op
	done     chan callResult
	queuedAt time.Time
}

func newPendingRequest(msg *peer.ChaincodeMessage, op Op) *pendingRequest {
	return &pendingRequest{
		msg:      msg,
		op:       op,
		done:     make(chan callResult, 1),
		queuedAt: time.Now(),
	}
}

func (r *pendingRequest) complete(value any, err error) {
	select {
	case r.done <- callResult{value: value, err: err}:
	default:
	}
}

// txQueue serializes requests per transaction context. Only the head of
// each context's queue is ever in flight; contexts never wait on each other.
type txQueue struct {
	mu     sync.Mutex
	queues map[txKey][]*pendingRequest
	closed error

	transmit func(*peer.ChaincodeMessage) error
}

func newTxQueue(transmit func(*peer.ChaincodeMessage) error) *txQueue {
	return &txQueue{
		queues:   make(map[txKey][]*pendingRequest),
		transmit: transmit,
	}
}

// enqueue appends req to its context and transmits it when it is the sole
// element. Requests enqueued after close fail immediately.
func (q *txQueue) enqueue(req *pendingRequest) {
	key := keyOf(req.msg)
	q.mu.Lock()
	if q.closed != nil {
		err := q.closed
		q.mu.Unlock()
		req.complete(nil, err)
		return
	}
	q.queues[key] = append(q.queues[key], req)
	head := len(q.queues[key]) == 1
	q.mu.Unlock()

	if head {
		q.sendHead(key, req)
	}
}

// sendHead transmits req, which must be the head for key. A failed send
// completes req with the error, pops it, and moves on to the next head.
func (q *txQueue) sendHead(key txKey, req *pendingRequest) {
	for req != nil {
		err := q.transmit(req.msg)
		if err == nil {
			return
		}
		next := q.popHead(key, req)
		req.complete(nil, err)
		req = next
	}
}

// popHead removes req from the head of key's queue and returns the new
// head, deleting the context entry once it drains.
func (q *txQueue) popHead(key txKey, req *pendingRequest) *pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queues[key]
	if len(pending) == 0 || pending[0] != req {
		return nil
	}
	pending[0] = nil
	pending = pending[1:]
	if len(pending) == 0 {
		delete(q.queues, key)
		return nil
	}
	q.queues[key] = pending
	return pending[0]
}

// head returns the in-flight request for key, if any.
func (q *txQueue) head(key txKey) (*pendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queues[key]
	if len(pending) == 0 {
		return nil, false
	}
	return pending[0], true
}

// resolve decodes resp for the head of its context, pops the head, delivers
// the result and only then transmits the next head. It reports false for
// orphans.
func (q *txQueue) resolve(resp *peer.ChaincodeMessage, decode func(*pendingRequest) (any, error)) (*pendingRequest, bool) {
	key := keyOf(resp)
	req, ok := q.head(key)
	if !ok {
		return nil, false
	}
	value, err := decode(req)
	next := q.popHead(key, req)
	req.complete(value, err)
	if next != nil {
		q.sendHead(key, next)
	}
	return req, true
}

// failAll completes every pending request with err and refuses new ones.
func (q *txQueue) failAll(err error) int {
	q.mu.Lock()
	if q.closed == nil {
		q.closed = err
	}
	queues := q.queues
	q.queues = make(map[txKey][]*pendingRequest)
	q.mu.Unlock()

	n := 0
	for _, pending := range queues {
		for _, req := range pending {
			req.complete(nil, err)
			n++
		}
	}
	return n
}

// discard drops every request still queued for key, completing each with
// err. Late replies for them are treated as orphans.
func (q *txQueue) discard(key txKey, err error) int {
	q.mu.Lock()
	pending := q.queues[key]
	delete(q.queues, key)
	q.mu.Unlock()

	for _, req := range pending {
		req.complete(nil, err)
	}
	return len(pending)
}

// contexts reports the number of live transaction contexts.
func (q *txQueue) contexts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// depth reports the number of requests queued for a context.
func (q *txQueue) depth(channelID, txID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[txKey{channelID: channelID, txID: txID}])
}
