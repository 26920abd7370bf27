package onchain

// registry.go: consulta del registro on-chain de operadores.
//
// El contrato expone isOperatorRegistered(address) → bool. Las respuestas se
// cachean un rato corto para no hacer una llamada RPC por cada reveal.

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const defaultRegistryTTL = 30 * time.Second

var registryABI abi.ABI

func init() {
	var err error
	registryABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "isOperatorRegistered",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "operator", "type": "address"}],
			"outputs": [{"name": "", "type": "bool"}]
		}
	]`))
	if err != nil {
		panic("registry abi parse: " + err.Error())
	}
}

// ContractCaller es la parte de *ethclient.Client que usa el registro.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type registryEntry struct {
	registered bool
	at         time.Time
}

// Registry implementa ports.OperatorRegistry.
type Registry struct {
	caller  ContractCaller
	address common.Address
	ttl     time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	cache map[common.Address]registryEntry
}

// NewRegistry crea un cliente del registro en address. ttl <= 0 usa el valor por defecto.
func NewRegistry(caller ContractCaller, address common.Address, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = defaultRegistryTTL
	}
	return &Registry{
		caller:  caller,
		address: address,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[common.Address]registryEntry),
	}
}

// IsRegistered consulta el contrato. Los errores no se cachean.
func (r *Registry) IsRegistered(ctx context.Context, operator common.Address) (bool, error) {
	r.mu.RLock()
	e, ok := r.cache[operator]
	r.mu.RUnlock()
	if ok && r.now().Sub(e.at) < r.ttl {
		return e.registered, nil
	}

	callData, err := registryABI.Pack("isOperatorRegistered", operator)
	if err != nil {
		return false, fmt.Errorf("registry: pack: %w", err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: callData}, nil)
	if err != nil {
		return false, fmt.Errorf("registry: call: %w", err)
	}
	vals, err := registryABI.Unpack("isOperatorRegistered", out)
	if err != nil || len(vals) == 0 {
		return false, fmt.Errorf("registry: unpack: %v", err)
	}
	registered, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("registry: unexpected output %T", vals[0])
	}

	r.mu.Lock()
	r.cache[operator] = registryEntry{registered: registered, at: r.now()}
	r.mu.Unlock()
	return registered, nil
}
