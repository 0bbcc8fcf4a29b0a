package dex

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func transferLog(index uint, from, to common.Address) *types.Log {
	return &types.Log{
		Index:  index,
		Topics: []common.Hash{TransferTopic, topicFromAddress(from), topicFromAddress(to)},
	}
}

func TestEffectiveRecipient(t *testing.T) {
	pool := common.HexToAddress("0x1111111111111111111111111111111111111111")
	router := common.HexToAddress("0x2222222222222222222222222222222222222222")
	user := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	early := common.HexToAddress("0x7777777777777777777777777777777777777777")

	receipt := &types.Receipt{Logs: []*types.Log{
		transferLog(1, router, early),
		{Index: 2, Topics: []common.Hash{{}}},
		transferLog(3, router, pool),
		transferLog(5, pool, user),
		transferLog(6, user, common.Address{}),
	}}

	got, ok := EffectiveRecipient(receipt, 2, pool)
	if !ok || got != user {
		t.Fatalf("expected %s, got %s (%v)", user.Hex(), got.Hex(), ok)
	}

	if _, ok := EffectiveRecipient(receipt, 6, pool); ok {
		t.Fatalf("expected no recipient after last log")
	}
	if _, ok := EffectiveRecipient(nil, 0); ok {
		t.Fatalf("expected no recipient for nil receipt")
	}
}
