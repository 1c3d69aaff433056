package mockpeer

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/fabric-protos-go-apiv2/ledger/queryresult"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Ledger is the world state behind a mock peer. Writes apply immediately;
// there is no endorsement or commit phase.
type Ledger struct {
	mu       sync.Mutex
	public   map[string][]byte
	private  map[string]map[string][]byte
	metadata map[string]map[string][]byte
	history  map[string][]*queryresult.KeyModification
	cursors  map[string]*cursor
	txTimes  map[string]time.Time
}

type cursor struct {
	results []*peer.QueryResultBytes
}

func NewLedger() *Ledger {
	return &Ledger{
		public:   make(map[string][]byte),
		private:  make(map[string]map[string][]byte),
		metadata: make(map[string]map[string][]byte),
		history:  make(map[string][]*queryresult.KeyModification),
		cursors:  make(map[string]*cursor),
		txTimes:  make(map[string]time.Time),
	}
}

// Put seeds a public key outside of any transaction.
func (l *Ledger) Put(key string, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write("", key, value, "seed")
}

func (l *Ledger) Get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.public[key]
	return v, ok
}

func (l *Ledger) PrivateData(collection, key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.private[collection][key]
	return v, ok
}

func (l *Ledger) Metadata(collection, key string) map[string][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range l.metadata[metadataKey(collection, key)] {
		out[k] = v
	}
	return out
}

// History returns the recorded modifications of a public key, oldest first.
func (l *Ledger) History(key string) []*queryresult.KeyModification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*queryresult.KeyModification(nil), l.history[key]...)
}

// OpenCursors counts query cursors the chaincode has not drained or closed.
func (l *Ledger) OpenCursors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cursors)
}

func (l *Ledger) begin(txID string, ts time.Time) {
	l.mu.Lock()
	l.txTimes[txID] = ts
	l.mu.Unlock()
}

func (l *Ledger) end(txID string) {
	l.mu.Lock()
	delete(l.txTimes, txID)
	l.mu.Unlock()
}

// handle answers one chaincode request with a RESPONSE or ERROR message.
func (l *Ledger) handle(pageSize int, msg *peer.ChaincodeMessage) *peer.ChaincodeMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, err := l.apply(pageSize, msg)
	reply := &peer.ChaincodeMessage{
		Type:      peer.ChaincodeMessage_RESPONSE,
		Payload:   payload,
		Txid:      msg.GetTxid(),
		ChannelId: msg.GetChannelId(),
	}
	if err != nil {
		reply.Type = peer.ChaincodeMessage_ERROR
		reply.Payload = []byte(err.Error())
	}
	return reply
}

func (l *Ledger) apply(pageSize int, msg *peer.ChaincodeMessage) ([]byte, error) {
	txID := msg.GetTxid()
	switch msg.GetType() {
	case peer.ChaincodeMessage_GET_STATE:
		req := &peer.GetState{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		return l.read(req.GetCollection(), req.GetKey()), nil

	case peer.ChaincodeMessage_GET_PRIVATE_DATA_HASH:
		req := &peer.GetState{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		v := l.read(req.GetCollection(), req.GetKey())
		if v == nil {
			return nil, nil
		}
		sum := sha256.Sum256(v)
		return sum[:], nil

	case peer.ChaincodeMessage_PUT_STATE:
		req := &peer.PutState{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		l.write(req.GetCollection(), req.GetKey(), req.GetValue(), txID)
		return nil, nil

	case peer.ChaincodeMessage_DEL_STATE, peer.ChaincodeMessage_PURGE_PRIVATE_DATA:
		req := &peer.DelState{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		l.remove(req.GetCollection(), req.GetKey(), txID)
		return nil, nil

	case peer.ChaincodeMessage_PUT_STATE_METADATA:
		req := &peer.PutStateMetadata{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		mk := metadataKey(req.GetCollection(), req.GetKey())
		if l.metadata[mk] == nil {
			l.metadata[mk] = make(map[string][]byte)
		}
		l.metadata[mk][req.GetMetadata().GetMetakey()] = req.GetMetadata().GetValue()
		return nil, nil

	case peer.ChaincodeMessage_GET_STATE_METADATA:
		req := &peer.GetStateMetadata{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		result := &peer.StateMetadataResult{}
		entries := l.metadata[metadataKey(req.GetCollection(), req.GetKey())]
		for _, k := range sortedKeys(entries) {
			result.Entries = append(result.Entries, &peer.StateMetadata{Metakey: k, Value: entries[k]})
		}
		return proto.Marshal(result)

	case peer.ChaincodeMessage_GET_STATE_BY_RANGE:
		req := &peer.GetStateByRange{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		return l.rangeQuery(pageSize, req)

	case peer.ChaincodeMessage_GET_QUERY_RESULT:
		return nil, fmt.Errorf("ExecuteQuery not supported for leveldb")

	case peer.ChaincodeMessage_GET_HISTORY_FOR_KEY:
		req := &peer.GetHistoryForKey{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		var results []*peer.QueryResultBytes
		for _, km := range l.history[req.GetKey()] {
			b, err := proto.Marshal(km)
			if err != nil {
				return nil, err
			}
			results = append(results, &peer.QueryResultBytes{ResultBytes: b})
		}
		return l.page(pageSize, "", results)

	case peer.ChaincodeMessage_QUERY_STATE_NEXT:
		req := &peer.QueryStateNext{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		c, ok := l.cursors[req.GetId()]
		if !ok {
			return nil, fmt.Errorf("query iterator not found: %s", req.GetId())
		}
		delete(l.cursors, req.GetId())
		return l.page(pageSize, req.GetId(), c.results)

	case peer.ChaincodeMessage_QUERY_STATE_CLOSE:
		req := &peer.QueryStateClose{}
		if err := unmarshal(msg.GetPayload(), req); err != nil {
			return nil, err
		}
		delete(l.cursors, req.GetId())
		return proto.Marshal(&peer.QueryResponse{Id: req.GetId()})

	case peer.ChaincodeMessage_INVOKE_CHAINCODE:
		nested := &peer.ChaincodeMessage{
			Type:    peer.ChaincodeMessage_ERROR,
			Payload: []byte("chaincode to chaincode calls are not served by this peer"),
			Txid:    txID,
		}
		return proto.Marshal(nested)

	default:
		return nil, fmt.Errorf("[%s] peer cannot handle message (%s)", shortID(txID), msg.GetType())
	}
}

func (l *Ledger) read(collection, key string) []byte {
	if collection != "" {
		return l.private[collection][key]
	}
	return l.public[key]
}

func (l *Ledger) write(collection, key string, value []byte, txID string) {
	if collection != "" {
		if l.private[collection] == nil {
			l.private[collection] = make(map[string][]byte)
		}
		l.private[collection][key] = value
		return
	}
	l.public[key] = value
	l.history[key] = append(l.history[key], &queryresult.KeyModification{
		TxId:      txID,
		Value:     value,
		Timestamp: l.stamp(txID),
	})
}

func (l *Ledger) remove(collection, key string, txID string) {
	if collection != "" {
		delete(l.private[collection], key)
		return
	}
	delete(l.public, key)
	l.history[key] = append(l.history[key], &queryresult.KeyModification{
		TxId:      txID,
		IsDelete:  true,
		Timestamp: l.stamp(txID),
	})
}

func (l *Ledger) stamp(txID string) *timestamppb.Timestamp {
	if ts, ok := l.txTimes[txID]; ok {
		return timestamppb.New(ts)
	}
	return timestamppb.Now()
}

// rangeQuery returns keys in [start, end). An empty end key is unbounded.
// With page size metadata the answer is a single bookmarked page.
func (l *Ledger) rangeQuery(pageSize int, req *peer.GetStateByRange) ([]byte, error) {
	source := l.public
	if req.GetCollection() != "" {
		source = l.private[req.GetCollection()]
	}
	start, end := req.GetStartKey(), req.GetEndKey()

	var qmd *peer.QueryMetadata
	if len(req.GetMetadata()) > 0 {
		qmd = &peer.QueryMetadata{}
		if err := unmarshal(req.GetMetadata(), qmd); err != nil {
			return nil, err
		}
		if qmd.GetBookmark() != "" {
			start = qmd.GetBookmark()
		}
	}

	var keys []string
	for _, k := range sortedKeys(source) {
		if k < start || (end != "" && k >= end) {
			continue
		}
		keys = append(keys, k)
	}

	toResults := func(keys []string) ([]*peer.QueryResultBytes, error) {
		out := make([]*peer.QueryResultBytes, 0, len(keys))
		for _, k := range keys {
			b, err := proto.Marshal(&queryresult.KV{Namespace: "mock", Key: k, Value: source[k]})
			if err != nil {
				return nil, err
			}
			out = append(out, &peer.QueryResultBytes{ResultBytes: b})
		}
		return out, nil
	}

	if qmd != nil && qmd.GetPageSize() > 0 {
		limit := int(qmd.GetPageSize())
		var bookmark string
		if len(keys) > limit {
			bookmark = keys[limit]
			keys = keys[:limit]
		}
		results, err := toResults(keys)
		if err != nil {
			return nil, err
		}
		md, err := proto.Marshal(&peer.QueryResponseMetadata{FetchedRecordsCount: int32(len(keys)), Bookmark: bookmark})
		if err != nil {
			return nil, err
		}
		return proto.Marshal(&peer.QueryResponse{Results: results, Id: uuid.NewString(), Metadata: md})
	}

	results, err := toResults(keys)
	if err != nil {
		return nil, err
	}
	return l.page(pageSize, "", results)
}

// page emits up to pageSize results and parks the rest behind a cursor id.
func (l *Ledger) page(pageSize int, id string, results []*peer.QueryResultBytes) ([]byte, error) {
	if id == "" {
		id = uuid.NewString()
	}
	resp := &peer.QueryResponse{Id: id, Results: results}
	if len(results) > pageSize {
		resp.Results = results[:pageSize]
		resp.HasMore = true
		l.cursors[id] = &cursor{results: results[pageSize:]}
	}
	return proto.Marshal(resp)
}

func metadataKey(collection, key string) string {
	return collection + "\x00" + key
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(txID string) string {
	if len(txID) < 8 {
		return txID
	}
	return txID[:8]
}
