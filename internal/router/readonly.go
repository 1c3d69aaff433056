package router

import (
	"fmt"

	"github.com/danmuck/ccshim/internal/shim"
)

// readOnlyStub passes reads through and refuses every ledger write.
type readOnlyStub struct {
	shim.ChaincodeStubInterface
	function string
}

func (s readOnlyStub) refuse(op, key string) error {
	return fmt.Errorf("%w: %s %s in %s", ErrReadOnly, op, key, s.function)
}

func (s readOnlyStub) PutState(key string, _ []byte) error {
	return s.refuse("PutState", key)
}

func (s readOnlyStub) DelState(key string) error {
	return s.refuse("DelState", key)
}

func (s readOnlyStub) SetStateValidationParameter(key string, _ []byte) error {
	return s.refuse("SetStateValidationParameter", key)
}

func (s readOnlyStub) PutPrivateData(collection, key string, _ []byte) error {
	return s.refuse("PutPrivateData", collection+"/"+key)
}

func (s readOnlyStub) DelPrivateData(collection, key string) error {
	return s.refuse("DelPrivateData", collection+"/"+key)
}

func (s readOnlyStub) PurgePrivateData(collection, key string) error {
	return s.refuse("PurgePrivateData", collection+"/"+key)
}

func (s readOnlyStub) SetPrivateDataValidationParameter(collection, key string, _ []byte) error {
	return s.refuse("SetPrivateDataValidationParameter", collection+"/"+key)
}
