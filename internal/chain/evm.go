package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/updownlive/updown-engine/internal/domain"
)

// roundContractABI is the minimal ABI surface of the mirror contract. The
// contract's internal logic is out of scope; this is purely the client-side
// calling convention.
const roundContractABI = `[
	{"name":"createRound","type":"function","inputs":[{"name":"startPrice","type":"uint256"},{"name":"duration","type":"uint256"}],"outputs":[]},
	{"name":"placeBet","type":"function","inputs":[{"name":"amount","type":"uint256"},{"name":"side","type":"uint8"}],"outputs":[]},
	{"name":"resolveRound","type":"function","inputs":[{"name":"finalPrice","type":"uint256"}],"outputs":[]},
	{"name":"getBalance","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// fallbackGasLimit is used when gas estimation itself fails transiently; the
// contract methods are small and fit comfortably.
const fallbackGasLimit = 300_000

// EVMConfig holds the parameters for the real contract client.
type EVMConfig struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	// OperatorKey is the hex private key used for createRound/resolveRound.
	OperatorKey string
}

// EVMContract implements RoundContract against a real EVM node. It performs
// exactly one attempt per call; retrying is the gateway's job.
type EVMContract struct {
	client   *ethclient.Client
	abi      abi.ABI
	address  common.Address
	chainID  *big.Int
	operator string
	logger   *slog.Logger
}

// NewEVMContract dials the node and prepares the ABI codec.
func NewEVMContract(ctx context.Context, cfg EVMConfig, logger *slog.Logger) (*EVMContract, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(roundContractABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain: parse contract abi: %w", err)
	}

	if !common.IsHexAddress(cfg.ContractAddress) {
		client.Close()
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.ContractAddress)
	}

	return &EVMContract{
		client:   client,
		abi:      parsed,
		address:  common.HexToAddress(cfg.ContractAddress),
		chainID:  big.NewInt(cfg.ChainID),
		operator: cfg.OperatorKey,
		logger:   logger.With(slog.String("component", "evm_contract")),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *EVMContract) Close() {
	c.client.Close()
}

// CreateRound submits a createRound transaction signed by the operator key.
func (c *EVMContract) CreateRound(ctx context.Context, startPrice, duration *big.Int) (string, error) {
	data, err := c.abi.Pack("createRound", startPrice, duration)
	if err != nil {
		return "", domain.NewChainError(domain.ChainErrValidation, "pack createRound: "+err.Error())
	}
	return c.sendTx(ctx, c.operator, data)
}

// PlaceBet submits a placeBet transaction signed with the user's credential,
// so the stake is attributed to the user's address on-chain.
func (c *EVMContract) PlaceBet(ctx context.Context, userAddress, signKey string, amount *big.Int, side domain.Side) (string, error) {
	sideCode := uint8(0)
	if side == domain.SideDown {
		sideCode = 1
	}
	data, err := c.abi.Pack("placeBet", amount, sideCode)
	if err != nil {
		return "", domain.NewChainError(domain.ChainErrValidation, "pack placeBet: "+err.Error())
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(signKey, "0x"))
	if err != nil {
		return "", domain.NewChainError(domain.ChainErrValidation, "invalid signing credential")
	}
	derived := ethcrypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(derived.Hex(), userAddress) {
		return "", domain.NewChainError(domain.ChainErrValidation, "signing credential does not match user address")
	}

	return c.sendSignedTx(ctx, key, derived, data)
}

// ResolveRound submits a resolveRound transaction signed by the operator key.
func (c *EVMContract) ResolveRound(ctx context.Context, finalPrice *big.Int) (string, error) {
	data, err := c.abi.Pack("resolveRound", finalPrice)
	if err != nil {
		return "", domain.NewChainError(domain.ChainErrValidation, "pack resolveRound: "+err.Error())
	}
	return c.sendTx(ctx, c.operator, data)
}

// GetBalance reads the user's balance with an eth_call; no transaction.
func (c *EVMContract) GetBalance(ctx context.Context, userAddress string) (*big.Int, error) {
	if !common.IsHexAddress(userAddress) {
		return nil, domain.NewChainError(domain.ChainErrValidation, "invalid user address")
	}
	data, err := c.abi.Pack("getBalance", common.HexToAddress(userAddress))
	if err != nil {
		return nil, domain.NewChainError(domain.ChainErrValidation, "pack getBalance: "+err.Error())
	}

	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: getBalance call: %w", err)
	}

	out, err := c.abi.Unpack("getBalance", raw)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("chain: unpack getBalance: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: getBalance returned unexpected type %T", out[0])
	}
	return balance, nil
}

// sendTx signs calldata with the given hex key and broadcasts it.
func (c *EVMContract) sendTx(ctx context.Context, hexKey string, data []byte) (string, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return "", domain.NewChainError(domain.ChainErrValidation, "invalid operator key")
	}
	return c.sendSignedTx(ctx, key, ethcrypto.PubkeyToAddress(key.PublicKey), data)
}

// sendSignedTx builds, signs, broadcasts, and waits for one transaction. A
// mined-but-reverted transaction surfaces as a CONTRACT_ERROR carrying the
// transaction hash so reconciliation can find it.
func (c *EVMContract) sendSignedTx(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, data []byte) (string, error) {
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("chain: pending nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: suggest gas price: %w", err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.address,
		Data: data,
	})
	if err != nil {
		c.logger.Warn("gas estimation failed, using fallback limit",
			slog.String("from", from.Hex()),
			slog.String("error", err.Error()))
		gasLimit = fallbackGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("chain: sign transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: send transaction: %w", err)
	}

	txHash := signed.Hash().Hex()
	c.logger.Debug("transaction broadcast",
		slog.String("tx_hash", txHash),
		slog.String("from", from.Hex()))

	receipt, err := bind.WaitMined(ctx, c.client, signed)
	if err != nil {
		return "", fmt.Errorf("chain: wait mined %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		cerr := domain.NewChainError(domain.ChainErrContract, "transaction reverted")
		cerr.TxHash = txHash
		return "", cerr
	}
	return txHash, nil
}
