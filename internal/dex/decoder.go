package dex

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolwatch/internal/model"
)

// ErrUntracked marks a log whose event is not one the pipeline emits.
var ErrUntracked = errors.New("untracked event")

// Source tells which contract family produced a decoded log.
type Source int

const (
	SourcePool Source = iota
	SourceHelper
)

func (s Source) String() string {
	if s == SourceHelper {
		return "helper"
	}
	return "pool"
}

// Decoded is a tracked log with its arguments rendered as decimal strings.
type Decoded struct {
	Source    Source
	Kind      model.EventKind
	Args      map[string]string
	Sender    common.Address
	Recipient common.Address
}

// Decoder decodes pool Swap logs and exchange-helper trade logs.
type Decoder struct {
	pool   *PoolDecoder
	helper *HelperDecoder

	helperAddress common.Address
}

// NewDecoder builds a Decoder. Logs emitted by helperAddress are decoded with
// the helper ABI, everything else with the pool ABI.
func NewDecoder(helperAddress common.Address) (*Decoder, error) {
	pool, err := NewPoolDecoder()
	if err != nil {
		return nil, err
	}
	helper, err := NewHelperDecoder()
	if err != nil {
		return nil, err
	}
	return &Decoder{pool: pool, helper: helper, helperAddress: helperAddress}, nil
}

// Topics returns the topic0 filter covering every tracked event.
func (d *Decoder) Topics() []common.Hash {
	return append(d.pool.Topics(), d.helper.Topics()...)
}

// IsHelper reports whether address is the exchange helper contract.
func (d *Decoder) IsHelper(address common.Address) bool {
	return d.helperAddress != (common.Address{}) && address == d.helperAddress
}

// Decode returns ErrUntracked for events outside the tracked set and a
// descriptive error for malformed logs.
func (d *Decoder) Decode(log types.Log) (*Decoded, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("missing topics")
	}
	if d.IsHelper(log.Address) {
		return d.helper.Decode(log)
	}
	return d.pool.Decode(log)
}

func parseIndexedTopics(event abi.Event, topics []common.Hash) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return topics[1:], nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, data []byte) ([]interface{}, error) {
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}

func topicIndex(events map[string]abi.Event, names ...string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[strings.ToLower(events[name].ID.Hex())] = name
	}
	return out
}
