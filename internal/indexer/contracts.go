package indexer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Contract is a tracked contract with an optional display symbol.
type Contract struct {
	Address common.Address
	Symbol  string
}

// ParseContracts converts "0xaddr" or "0xaddr=SYMBOL" entries into contracts.
func ParseContracts(inputs []string) ([]Contract, error) {
	contracts := make([]Contract, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		addr, symbol, _ := strings.Cut(input, "=")
		addr = strings.TrimSpace(addr)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid address: %s", addr)
		}
		contracts = append(contracts, Contract{
			Address: common.HexToAddress(addr),
			Symbol:  strings.TrimSpace(symbol),
		})
	}
	return contracts, nil
}

// Registry is the concurrent set of tracked contracts shared by the live
// poller and historical scans.
type Registry struct {
	mu        sync.RWMutex
	contracts map[common.Address]Contract
}

func NewRegistry(contracts ...Contract) *Registry {
	r := &Registry{contracts: make(map[common.Address]Contract, len(contracts))}
	for _, c := range contracts {
		r.contracts[c.Address] = c
	}
	return r
}

// Add tracks a contract. It reports false if the address was already tracked.
func (r *Registry) Add(c Contract) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contracts[c.Address]; ok {
		return false
	}
	r.contracts[c.Address] = c
	return true
}

func (r *Registry) Remove(addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contracts[addr]; !ok {
		return false
	}
	delete(r.contracts, addr)
	return true
}

func (r *Registry) Has(addr common.Address) bool {
	r.mu.RLock()
	_, ok := r.contracts[addr]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Symbol(addr common.Address) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contracts[addr].Symbol
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contracts)
}

// Addresses returns the tracked addresses in a stable order.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	out := make([]common.Address, 0, len(r.contracts))
	for addr := range r.contracts {
		out = append(out, addr)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Hex(), out[j].Hex()) < 0
	})
	return out
}
