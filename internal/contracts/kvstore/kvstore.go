// Package kvstore is the reference contract served by ccshim: an owned
// key-value store with prefix listing, bookmarked paging, an owner index,
// key history and private data.
package kvstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/danmuck/ccshim/internal/router"
	"github.com/danmuck/ccshim/internal/shim"
	"github.com/rs/zerolog"
)

const (
	// ContractID is the canonical chaincode name for this contract.
	ContractID = "kvstore"

	ownerIndex     = "owner~key"
	transientValue = "value"
	EventPut       = "kv.put"
	EventDelete    = "kv.delete"
)

// Record is the stored value of one public key.
type Record struct {
	Value     string    `json:"value"`
	Owner     string    `json:"owner,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Page is one bookmarked slice of keys.
type Page struct {
	Keys     []string `json:"keys"`
	Bookmark string   `json:"bookmark"`
	Fetched  int32    `json:"fetched"`
}

// Modification is one entry of a key's history.
type Modification struct {
	TxID      string    `json:"tx_id"`
	Value     string    `json:"value,omitempty"`
	Deleted   bool      `json:"deleted"`
	Timestamp time.Time `json:"timestamp"`
}

// New returns the contract as a routed chaincode.
func New(logger zerolog.Logger) *router.Router {
	r := router.New(logger)
	r.OnInit(initPairs)
	r.MustRegister(router.FunctionSpec{Name: "put", Description: "upsert key=value with an optional owner", MinArgs: 2}, put)
	r.MustRegister(router.FunctionSpec{Name: "get", Description: "get record by key", MinArgs: 1, ReadOnly: true}, get)
	r.MustRegister(router.FunctionSpec{Name: "delete", Description: "delete key and its owner index", MinArgs: 1}, del)
	r.MustRegister(router.FunctionSpec{Name: "list", Description: "list keys (optional prefix)", ReadOnly: true}, list)
	r.MustRegister(router.FunctionSpec{Name: "page", Description: "list keys one bookmarked page at a time", MinArgs: 1, ReadOnly: true}, page)
	r.MustRegister(router.FunctionSpec{Name: "byOwner", Description: "list keys held by an owner", MinArgs: 1, ReadOnly: true}, byOwner)
	r.MustRegister(router.FunctionSpec{Name: "history", Description: "modification history of a key", MinArgs: 1, ReadOnly: true}, history)
	r.MustRegister(router.FunctionSpec{Name: "putPrivate", Description: "write the transient value into a collection", MinArgs: 2}, putPrivate)
	r.MustRegister(router.FunctionSpec{Name: "getPrivate", Description: "read a private value", MinArgs: 2, ReadOnly: true}, getPrivate)
	r.MustRegister(router.FunctionSpec{Name: "privateHash", Description: "hex hash of a private value", MinArgs: 2, ReadOnly: true}, privateHash)
	return r
}

// initPairs seeds key value pairs passed to INIT.
func initPairs(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	if len(args)%2 != 0 {
		return shim.Error("init expects key value pairs")
	}
	for i := 0; i < len(args); i += 2 {
		if resp := store(stub, args[i], args[i+1], ""); resp.Failed() {
			return resp
		}
	}
	return shim.Success(nil)
}

func put(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	owner := ""
	if len(args) > 2 {
		owner = args[2]
	}
	prev, err := load(stub, args[0])
	if err != nil {
		return shim.Error(err.Error())
	}
	if prev != nil && prev.Owner != "" && prev.Owner != owner {
		if err := unindex(stub, prev.Owner, args[0]); err != nil {
			return shim.Error(err.Error())
		}
	}
	if resp := store(stub, args[0], args[1], owner); resp.Failed() {
		return resp
	}
	if err := stub.SetEvent(EventPut, []byte(args[0])); err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(nil)
}

func store(stub shim.ChaincodeStubInterface, key, value, owner string) shim.Response {
	rec := Record{Value: value, Owner: owner}
	if ts, err := stub.GetTxTimestamp(); err == nil {
		rec.UpdatedAt = ts.AsTime().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return shim.Error(err.Error())
	}
	if err := stub.PutState(key, b); err != nil {
		return shim.Error(err.Error())
	}
	if owner == "" {
		return shim.Success(nil)
	}
	idx, err := stub.CreateCompositeKey(ownerIndex, []string{owner, key})
	if err != nil {
		return shim.Error(err.Error())
	}
	if err := stub.PutState(idx, []byte{0x00}); err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(nil)
}

func load(stub shim.ChaincodeStubInterface, key string) (*Record, error) {
	b, err := stub.GetState(key)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	rec := &Record{}
	if err := json.Unmarshal(b, rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, nil
}

func unindex(stub shim.ChaincodeStubInterface, owner, key string) error {
	idx, err := stub.CreateCompositeKey(ownerIndex, []string{owner, key})
	if err != nil {
		return err
	}
	return stub.DelState(idx)
}

func notFound(key string) shim.Response {
	return shim.Response{Status: 404, Message: fmt.Sprintf("missing key=%s", key)}
}

func get(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	b, err := stub.GetState(args[0])
	if err != nil {
		return shim.Error(err.Error())
	}
	if b == nil {
		return notFound(args[0])
	}
	return shim.Success(b)
}

func del(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	rec, err := load(stub, args[0])
	if err != nil {
		return shim.Error(err.Error())
	}
	if rec == nil {
		return notFound(args[0])
	}
	if rec.Owner != "" {
		if err := unindex(stub, rec.Owner, args[0]); err != nil {
			return shim.Error(err.Error())
		}
	}
	if err := stub.DelState(args[0]); err != nil {
		return shim.Error(err.Error())
	}
	if err := stub.SetEvent(EventDelete, []byte(args[0])); err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(nil)
}

func list(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	start, end := "", ""
	if len(args) > 0 && args[0] != "" {
		start, end = args[0], args[0]+string(utf8.MaxRune)
	}
	it, err := stub.GetStateByRange(start, end)
	if err != nil {
		return shim.Error(err.Error())
	}
	defer it.Close()

	keys := []string{}
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return shim.Error(err.Error())
		}
		keys = append(keys, kv.GetKey())
	}
	return jsonResponse(keys)
}

func page(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	size, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil || size <= 0 {
		return shim.Error(fmt.Sprintf("page size must be a positive integer, got %q", args[0]))
	}
	bookmark := ""
	if len(args) > 1 {
		bookmark = args[1]
	}
	it, md, err := stub.GetStateByRangeWithPagination("", "", int32(size), bookmark)
	if err != nil {
		return shim.Error(err.Error())
	}
	defer it.Close()

	out := Page{Keys: []string{}, Bookmark: md.GetBookmark(), Fetched: md.GetFetchedRecordsCount()}
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return shim.Error(err.Error())
		}
		out.Keys = append(out.Keys, kv.GetKey())
	}
	return jsonResponse(out)
}

func byOwner(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	it, err := stub.GetStateByPartialCompositeKey(ownerIndex, []string{args[0]})
	if err != nil {
		return shim.Error(err.Error())
	}
	defer it.Close()

	keys := []string{}
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return shim.Error(err.Error())
		}
		_, attrs, err := stub.SplitCompositeKey(kv.GetKey())
		if err != nil {
			return shim.Error(err.Error())
		}
		keys = append(keys, attrs[1])
	}
	return jsonResponse(keys)
}

func history(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	it, err := stub.GetHistoryForKey(args[0])
	if err != nil {
		return shim.Error(err.Error())
	}
	defer it.Close()

	mods := []Modification{}
	for it.HasNext() {
		km, err := it.Next()
		if err != nil {
			return shim.Error(err.Error())
		}
		mod := Modification{TxID: km.GetTxId(), Deleted: km.GetIsDelete(), Timestamp: km.GetTimestamp().AsTime().UTC()}
		if !km.GetIsDelete() {
			rec := Record{}
			if err := json.Unmarshal(km.GetValue(), &rec); err != nil {
				mod.Value = string(km.GetValue())
			} else {
				mod.Value = rec.Value
			}
		}
		mods = append(mods, mod)
	}
	return jsonResponse(mods)
}

func putPrivate(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	transient, err := stub.GetTransient()
	if err != nil {
		return shim.Error(err.Error())
	}
	value, ok := transient[transientValue]
	if !ok {
		return shim.Error("putPrivate expects the value in the transient field " + transientValue)
	}
	if err := stub.PutPrivateData(args[0], args[1], value); err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(nil)
}

func getPrivate(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	b, err := stub.GetPrivateData(args[0], args[1])
	if err != nil {
		return shim.Error(err.Error())
	}
	if b == nil {
		return notFound(args[1])
	}
	return shim.Success(b)
}

func privateHash(stub shim.ChaincodeStubInterface, args []string) shim.Response {
	b, err := stub.GetPrivateDataHash(args[0], args[1])
	if err != nil {
		return shim.Error(err.Error())
	}
	if b == nil {
		return notFound(args[1])
	}
	return shim.Success([]byte(hex.EncodeToString(b)))
}

func jsonResponse(v any) shim.Response {
	b, err := json.Marshal(v)
	if err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(b)
}
