package dex

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolwatch/internal/model"
)

// PoolDecoder decodes Uniswap V3 style pool Swap events.
type PoolDecoder struct {
	poolABI     abi.ABI
	topicToName map[string]string
}

func NewPoolDecoder() (*PoolDecoder, error) {
	parsed, err := PoolABI()
	if err != nil {
		return nil, err
	}
	return &PoolDecoder{
		poolABI:     parsed,
		topicToName: topicIndex(parsed.Events, "Swap"),
	}, nil
}

func (d *PoolDecoder) Topics() []common.Hash {
	return []common.Hash{d.poolABI.Events["Swap"].ID}
}

// Decode converts a pool log into its decoded form.
func (d *PoolDecoder) Decode(log types.Log) (*Decoded, error) {
	name, ok := d.topicToName[strings.ToLower(log.Topics[0].Hex())]
	if !ok {
		return nil, ErrUntracked
	}

	switch name {
	case "Swap":
		return d.decodeSwap(log)
	default:
		return nil, ErrUntracked
	}
}

func (d *PoolDecoder) decodeSwap(log types.Log) (*Decoded, error) {
	event := d.poolABI.Events["Swap"]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, err
	}

	var indexed struct {
		Sender    common.Address
		Recipient common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return nil, err
	}
	if len(values) != 5 {
		return nil, fmt.Errorf("unexpected swap values: %d", len(values))
	}

	names := []string{"amount0", "amount1", "sqrtPriceX96", "liquidity", "tick"}
	args := map[string]string{
		"sender":    indexed.Sender.Hex(),
		"recipient": indexed.Recipient.Hex(),
	}
	for i, name := range names {
		v, err := asBigInt(values[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		args[name] = v.String()
	}

	return &Decoded{
		Source:    SourcePool,
		Kind:      model.KindSwap,
		Args:      args,
		Sender:    indexed.Sender,
		Recipient: indexed.Recipient,
	}, nil
}
