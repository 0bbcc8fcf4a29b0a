package dex

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EffectiveRecipient scans the receipt for ERC20 Transfer logs emitted after
// the triggering log and returns the destination of the last one. Transfers to
// the zero address or to any address in exclude are ignored. The result is a
// heuristic: routers usually forward output tokens to the end user last.
func EffectiveRecipient(receipt *types.Receipt, afterIndex uint, exclude ...common.Address) (common.Address, bool) {
	if receipt == nil {
		return common.Address{}, false
	}

	var (
		found     common.Address
		lastIndex uint
		ok        bool
	)
	for _, l := range receipt.Logs {
		if l == nil || l.Index <= afterIndex {
			continue
		}
		if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
			continue
		}
		to := common.BytesToAddress(l.Topics[2].Bytes())
		if to == (common.Address{}) || contains(exclude, to) {
			continue
		}
		if !ok || l.Index >= lastIndex {
			found, lastIndex, ok = to, l.Index, true
		}
	}
	return found, ok
}

func contains(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
