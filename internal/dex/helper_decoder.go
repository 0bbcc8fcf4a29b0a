package dex

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolwatch/internal/model"
)

var helperKinds = map[string]model.EventKind{
	"BoughtTokensETH":  model.KindBoughtNative,
	"BoughtTokensWETH": model.KindBoughtWrapped,
	"SoldTokensETH":    model.KindSoldNative,
	"SoldTokensWETH":   model.KindSoldWrapped,
}

// HelperDecoder decodes the exchange helper's bought/sold events.
type HelperDecoder struct {
	helperABI   abi.ABI
	topicToName map[string]string
}

func NewHelperDecoder() (*HelperDecoder, error) {
	parsed, err := HelperABI()
	if err != nil {
		return nil, err
	}
	return &HelperDecoder{
		helperABI:   parsed,
		topicToName: topicIndex(parsed.Events, "BoughtTokensETH", "BoughtTokensWETH", "SoldTokensETH", "SoldTokensWETH"),
	}, nil
}

func (d *HelperDecoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(helperKinds))
	for name := range helperKinds {
		out = append(out, d.helperABI.Events[name].ID)
	}
	return out
}

func (d *HelperDecoder) Decode(log types.Log) (*Decoded, error) {
	name, ok := d.topicToName[strings.ToLower(log.Topics[0].Hex())]
	if !ok {
		return nil, ErrUntracked
	}
	event := d.helperABI.Events[name]

	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, err
	}
	var indexed struct {
		Who common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s values: %d", name, len(values))
	}
	amount, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	return &Decoded{
		Source: SourceHelper,
		Kind:   helperKinds[name],
		Args: map[string]string{
			"who":    indexed.Who.Hex(),
			"amount": amount.String(),
		},
		Sender:    indexed.Who,
		Recipient: indexed.Who,
	}, nil
}
