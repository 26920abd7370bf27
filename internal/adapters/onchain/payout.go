package onchain

// payout.go: pago de recompensas con transfer() de un ERC-20.
//
// Cada claim es una transacción firmada desde la cuenta de tesorería:
//   - estimación de gas con buffer del 20%
//   - gas price cacheado unos minutos
//   - espera del receipt; un revert es un error y el ledger restituye el saldo
//   - una tx emitida sin receipt devuelve *domain.TransferPendingError: el
//     ledger no restituye nada hasta que se concilie

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	transferGasLimit       = uint64(90_000)
	gasPriceUpdateInterval = 5 * time.Minute
	receiptTimeout         = 60 * time.Second
)

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "transfer",
			"type": "function",
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "balanceOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// Backend es la parte de *ethclient.Client que necesita el pagador.
type Backend interface {
	ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Payout implementa ports.AssetTransfer con un token ERC-20.
type Payout struct {
	backend   Backend
	key       *ecdsa.PrivateKey
	address   common.Address
	token     common.Address
	chainID   *big.Int
	pollEvery time.Duration

	// la espera no hereda la cancelación del llamador, solo este límite
	receiptTimeout time.Duration

	// un pago a la vez: el nonce pendiente se comparte
	sendMu sync.Mutex

	mu           sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

// NewPayout crea el pagador sobre un backend ya conectado (normalmente un
// *ethclient.Client). privateKeyHex admite prefijo 0x.
func NewPayout(backend Backend, privateKeyHex string, token common.Address, chainID int64) (*Payout, error) {
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("payout: decode private key: %w", err)
	}
	key, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("payout: invalid private key: %w", err)
	}
	return &Payout{
		backend:        backend,
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		token:          token,
		chainID:        big.NewInt(chainID),
		pollEvery:      3 * time.Second,
		receiptTimeout: receiptTimeout,
	}, nil
}

// Address devuelve la cuenta de tesorería que firma los pagos.
func (p *Payout) Address() common.Address {
	return p.address
}

// Transfer envía amount del token a recipient y espera el receipt.
// Devuelve el hash de la transacción como referencia. Si la tx pudo salir
// pero no hay receipt, el error es un *domain.TransferPendingError con el
// hash: el pago no debe darse por fallido.
func (p *Payout) Transfer(ctx context.Context, recipient common.Address, amount *uint256.Int) (string, error) {
	if amount == nil || amount.IsZero() {
		return "", fmt.Errorf("payout: zero amount")
	}
	callData, err := erc20ABI.Pack("transfer", recipient, amount.ToBig())
	if err != nil {
		return "", fmt.Errorf("payout: pack: %w", err)
	}

	p.sendMu.Lock()
	signed, err := p.send(ctx, callData)
	p.sendMu.Unlock()
	if err != nil {
		// sin respuesta del nodo no sabemos si la tx llegó al mempool
		if signed != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			return signed.Hash().Hex(), &domain.TransferPendingError{Ref: signed.Hash().Hex(), Err: err}
		}
		return "", err
	}

	txHash := signed.Hash().Hex()
	slog.Info("payout: transaction sent", "to", recipient.Hex(), "amount", amount.Dec(), "tx", txHash)

	receiptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.receiptTimeout)
	defer cancel()
	receipt, err := p.waitForReceipt(receiptCtx, signed.Hash())
	if err != nil {
		slog.Warn("payout: receipt not found, transfer left pending", "tx", txHash, "err", err)
		return txHash, &domain.TransferPendingError{
			Ref: txHash,
			Err: fmt.Errorf("payout: wait receipt %s: %w", txHash, err),
		}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("payout: tx reverted: %s", txHash)
	}

	slog.Info("payout: confirmed", "tx", txHash, "gas_used", receipt.GasUsed)
	return txHash, nil
}

// BalanceOf devuelve el saldo del token de la tesorería.
func (p *Payout) BalanceOf(ctx context.Context) (*uint256.Int, error) {
	callData, err := erc20ABI.Pack("balanceOf", p.address)
	if err != nil {
		return nil, err
	}
	out, err := p.backend.CallContract(ctx, ethereum.CallMsg{To: &p.token, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("payout: balanceOf: %w", err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("payout: unpack balanceOf: %v", err)
	}
	bal, overflow := uint256.FromBig(vals[0].(*big.Int))
	if overflow {
		return nil, fmt.Errorf("payout: balance overflows uint256")
	}
	return bal, nil
}

// send firma y emite la tx. Si falla SendTransaction devuelve también la tx
// firmada, para que el llamador sepa qué hash pudo haber salido.
func (p *Payout) send(ctx context.Context, callData []byte) (*types.Transaction, error) {
	nonce, err := p.backend.PendingNonceAt(ctx, p.address)
	if err != nil {
		return nil, fmt.Errorf("payout: nonce: %w", err)
	}
	gasPrice, err := p.getGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("payout: gas price: %w", err)
	}

	gas, err := p.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     p.address,
		To:       &p.token,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		gas = transferGasLimit
		slog.Warn("payout: gas estimate failed, using default", "err", err, "limit", transferGasLimit)
	}
	gas = gas * 12 / 10

	tx := types.NewTransaction(nonce, p.token, big.NewInt(0), gas, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.key)
	if err != nil {
		return nil, fmt.Errorf("payout: sign tx: %w", err)
	}
	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		return signed, fmt.Errorf("payout: send tx: %w", err)
	}
	return signed, nil
}

// getGasPrice devuelve el gas price con cache para no saturar el RPC.
func (p *Payout) getGasPrice(ctx context.Context) (*big.Int, error) {
	p.mu.RLock()
	cached := p.cachedGasWei
	updatedAt := p.gasUpdatedAt
	p.mu.RUnlock()

	if cached != nil && time.Since(updatedAt) < gasPriceUpdateInterval {
		return cached, nil
	}

	price, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	// +10% para entrar antes (copia: no mutar lo que devuelve el cliente)
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	p.mu.Lock()
	p.cachedGasWei = buffered
	p.gasUpdatedAt = time.Now()
	p.mu.Unlock()
	return buffered, nil
}

// waitForReceipt consulta el receipt hasta que aparece o vence ctx.
func (p *Payout) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := p.backend.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // aún no minada
			}
			return receipt, nil
		}
	}
}
