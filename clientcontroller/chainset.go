package clientcontroller

import (
	"fmt"
	"sort"
	"sync"

	"github.com/matrixmagiq/eigenlayer/types"
)

// ChainSet holds the controllers of all member chains
type ChainSet struct {
	mu          sync.RWMutex
	controllers map[types.ChainID]ChainController
}

func NewChainSet(controllers ...ChainController) *ChainSet {
	cs := &ChainSet{controllers: make(map[types.ChainID]ChainController)}
	for _, cc := range controllers {
		cs.controllers[cc.ChainID()] = cc
	}
	return cs
}

func (cs *ChainSet) Add(cc ChainController) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.controllers[cc.ChainID()] = cc
}

func (cs *ChainSet) Get(chain types.ChainID) (ChainController, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	cc, ok := cs.controllers[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownChain, chain)
	}
	return cc, nil
}

// Chains returns the member chain ids in lexical order
func (cs *ChainSet) Chains() []types.ChainID {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	chains := make([]types.ChainID, 0, len(cs.controllers))
	for chain := range cs.controllers {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// Close closes every controller and returns the first error
func (cs *ChainSet) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var firstErr error
	for _, cc := range cs.controllers {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
