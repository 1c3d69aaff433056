package mockpeer

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// DefaultChannel is used when a Call names no channel.
const DefaultChannel = "mychannel"

// Invoke sends a TRANSACTION carrying args and waits for the answer.
func (s *Session) Invoke(ctx context.Context, args ...string) (Result, error) {
	return s.Do(ctx, peer.ChaincodeMessage_TRANSACTION, Call{Args: byteArgs(args)})
}

// Init sends an INIT carrying args and waits for the answer.
func (s *Session) Init(ctx context.Context, args ...string) (Result, error) {
	return s.Do(ctx, peer.ChaincodeMessage_INIT, Call{Args: byteArgs(args)})
}

// Do sends call as a message of kind and waits for COMPLETED or ERROR.
// Missing channel, tx id and timestamp are filled in, and a signed proposal
// is built unless the call carries one.
func (s *Session) Do(ctx context.Context, kind peer.ChaincodeMessage_Type, call Call) (Result, error) {
	if call.ChannelID == "" {
		call.ChannelID = DefaultChannel
	}
	if call.TxID == "" {
		call.TxID = uuid.NewString()
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now()
	}
	if call.SignedProposal == nil {
		sp, err := signedProposal(call)
		if err != nil {
			return Result{}, err
		}
		call.SignedProposal = sp
	}
	payload, err := proto.Marshal(&peer.ChaincodeInput{Args: call.Args})
	if err != nil {
		return Result{}, fmt.Errorf("mockpeer: marshal input: %w", err)
	}

	s.p.ledger.begin(call.TxID, call.Timestamp)
	defer s.p.ledger.end(call.TxID)

	wait := s.watch(call.TxID)
	msg := &peer.ChaincodeMessage{
		Type:      kind,
		Payload:   payload,
		Txid:      call.TxID,
		ChannelId: call.ChannelID,
		Proposal:  call.SignedProposal,
	}
	if err := s.send(msg); err != nil {
		return Result{}, fmt.Errorf("mockpeer: send %s: %w", kind, err)
	}

	select {
	case reply := <-wait:
		return decodeResult(reply)
	case <-s.done:
		return Result{}, ErrSessionClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func decodeResult(reply *peer.ChaincodeMessage) (Result, error) {
	if reply.GetType() == peer.ChaincodeMessage_ERROR {
		return Result{Error: string(reply.GetPayload())}, nil
	}
	resp := &peer.Response{}
	if err := unmarshal(reply.GetPayload(), resp); err != nil {
		return Result{}, err
	}
	return Result{Response: resp, Event: reply.GetChaincodeEvent()}, nil
}

func signedProposal(call Call) (*peer.SignedProposal, error) {
	nonce := make([]byte, 24)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mockpeer: nonce: %w", err)
	}
	creator := call.Creator
	if creator == nil {
		creator = []byte("Org1MSP")
	}
	chdr, err := proto.Marshal(&common.ChannelHeader{
		Type:      int32(common.HeaderType_ENDORSER_TRANSACTION),
		ChannelId: call.ChannelID,
		TxId:      call.TxID,
		Timestamp: timestamppb.New(call.Timestamp),
	})
	if err != nil {
		return nil, err
	}
	shdr, err := proto.Marshal(&common.SignatureHeader{Creator: creator, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	hdr, err := proto.Marshal(&common.Header{ChannelHeader: chdr, SignatureHeader: shdr})
	if err != nil {
		return nil, err
	}
	body, err := proto.Marshal(&peer.ChaincodeProposalPayload{TransientMap: call.Transient})
	if err != nil {
		return nil, err
	}
	prop, err := proto.Marshal(&peer.Proposal{Header: hdr, Payload: body})
	if err != nil {
		return nil, err
	}
	return &peer.SignedProposal{ProposalBytes: prop}, nil
}

func byteArgs(args []string) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = []byte(a)
	}
	return out
}

func unmarshal(b []byte, m proto.Message) error {
	if err := proto.Unmarshal(b, m); err != nil {
		return fmt.Errorf("mockpeer: unmarshal %T: %w", m, err)
	}
	return nil
}
