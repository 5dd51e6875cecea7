package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stakepilot/engine/internal/domain"
)

const (
	enforcerABIJSON = `[{"name":"redeem","type":"function","stateMutability":"nonpayable","inputs":[{"name":"permissionContext","type":"bytes"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}]`
	marketABIJSON   = `[{"name":"placeStake","type":"function","stateMutability":"nonpayable","inputs":[{"name":"listingId","type":"string"},{"name":"yes","type":"bool"},{"name":"amount","type":"uint256"}],"outputs":[]}]`

	// Gas preflight margin: estimated cost is padded by 20% before the
	// balance check and the transaction gas limit.
	gasMarginNum = 120
	gasMarginDen = 100
)

// ProtocolConfig wires a Protocol.
type ProtocolConfig struct {
	Client     Client
	SessionKey *ecdsa.PrivateKey
	// PrincipalKey enables automatic gas top-ups from the principal
	// account. Nil disables top-ups; a short session balance then fails
	// the placement with domain.ErrInsufficientGas.
	PrincipalKey *ecdsa.PrivateKey
	// MarketAddr is the stake placement contract.
	MarketAddr common.Address
	// SponsorURL, when set, routes placement transactions through the gas
	// sponsor instead of sending them directly.
	SponsorURL string

	// Tunables; zero values take the defaults below.
	ReceiptTimeout time.Duration // default 2m
	ReceiptPoll    time.Duration // default 3s
	NoncePause     time.Duration // default 2s
	NonceAttempts  int           // default 3
	NonceRetryBase time.Duration // default 500ms, grows per attempt
}

// Protocol executes delegated placements in two phases: permission
// redemption into the session account, then the placement call itself.
type Protocol struct {
	client        Client
	sessionKey    *ecdsa.PrivateKey
	sessionAddr   common.Address
	principalKey  *ecdsa.PrivateKey
	principalAddr common.Address
	marketAddr    common.Address
	sponsorURL    string
	chainID       *big.Int
	httpClient    *http.Client
	logger        *slog.Logger

	enforcerABI abi.ABI
	marketABI   abi.ABI

	receiptTimeout time.Duration
	receiptPoll    time.Duration
	noncePause     time.Duration
	nonceAttempts  int
	nonceRetryBase time.Duration
}

// NewProtocol creates a Protocol. It queries the chain ID once up front so
// signing never needs a round trip.
func NewProtocol(ctx context.Context, cfg ProtocolConfig, logger *slog.Logger) (*Protocol, error) {
	if cfg.Client == nil {
		return nil, errors.New("chain: client is required")
	}
	if cfg.SessionKey == nil {
		return nil, errors.New("chain: session key is required")
	}

	chainID, err := cfg.Client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}

	enforcerABI, err := abi.JSON(strings.NewReader(enforcerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse enforcer abi: %w", err)
	}
	marketABI, err := abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse market abi: %w", err)
	}

	p := &Protocol{
		client:         cfg.Client,
		sessionKey:     cfg.SessionKey,
		sessionAddr:    crypto.PubkeyToAddress(cfg.SessionKey.PublicKey),
		principalKey:   cfg.PrincipalKey,
		marketAddr:     cfg.MarketAddr,
		sponsorURL:     cfg.SponsorURL,
		chainID:        chainID,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger.With(slog.String("component", "chain")),
		enforcerABI:    enforcerABI,
		marketABI:      marketABI,
		receiptTimeout: cfg.ReceiptTimeout,
		receiptPoll:    cfg.ReceiptPoll,
		noncePause:     cfg.NoncePause,
		nonceAttempts:  cfg.NonceAttempts,
		nonceRetryBase: cfg.NonceRetryBase,
	}
	if cfg.PrincipalKey != nil {
		p.principalAddr = crypto.PubkeyToAddress(cfg.PrincipalKey.PublicKey)
	}
	if p.receiptTimeout == 0 {
		p.receiptTimeout = 2 * time.Minute
	}
	if p.receiptPoll == 0 {
		p.receiptPoll = 3 * time.Second
	}
	if p.noncePause == 0 {
		p.noncePause = 2 * time.Second
	}
	if p.nonceAttempts == 0 {
		p.nonceAttempts = 3
	}
	if p.nonceRetryBase == 0 {
		p.nonceRetryBase = 500 * time.Millisecond
	}
	return p, nil
}

// SessionAddress returns the session account address.
func (p *Protocol) SessionAddress() common.Address { return p.sessionAddr }

// Place runs the full two-phase delegated placement.
func (p *Protocol) Place(ctx context.Context, req domain.PlacementRequest) (domain.PlacementResult, error) {
	log := p.logger.With(
		slog.String("listing_id", req.ListingID),
		slog.String("side", string(req.Side)),
		slog.Int64("stake_micro", req.StakeMicro),
	)

	redeemHash, err := p.redeemPermission(ctx, req, log)
	if err != nil {
		return domain.PlacementResult{}, fmt.Errorf("chain: redeem permission: %w", err)
	}
	log.Info("permission redeemed", slog.String("tx_hash", redeemHash.Hex()))

	// Let the node's pending state catch up with the redemption before
	// the placement's nonce and balance are read.
	if err := p.nonceRefreshPause(ctx); err != nil {
		return domain.PlacementResult{}, fmt.Errorf("chain: nonce refresh: %w", err)
	}

	hash, receipt, err := p.placeStake(ctx, req)
	if err != nil {
		return domain.PlacementResult{}, fmt.Errorf("chain: place stake: %w", err)
	}
	log.Info("stake placed on chain",
		slog.String("tx_hash", hash.Hex()),
		slog.Uint64("gas_used", receipt.GasUsed))

	return domain.PlacementResult{
		TxHash:      hash.Hex(),
		RedeemHash:  redeemHash.Hex(),
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// redeemPermission is phase one: transfer the stake amount from the
// principal to the session account through the enforcement contract.
func (p *Protocol) redeemPermission(ctx context.Context, req domain.PlacementRequest, log *slog.Logger) (common.Hash, error) {
	permCtx, err := hexutil.Decode(req.Permission.Context)
	if err != nil {
		return common.Hash{}, fmt.Errorf("decode permission context: %w", err)
	}
	enforcer := common.HexToAddress(req.Permission.Enforcer)

	calldata, err := p.enforcerABI.Pack("redeem", permCtx, p.sessionAddr, big.NewInt(req.StakeMicro))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack redeem: %w", err)
	}

	gasLimit, gasPrice, err := p.preflightGas(ctx, enforcer, calldata, log)
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := p.sendWithNonceRetry(ctx, p.sessionKey, p.sessionAddr, func(nonce uint64) *types.LegacyTx {
		return &types.LegacyTx{
			Nonce:    nonce,
			To:       &enforcer,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     calldata,
		}
	})
	if err != nil {
		return common.Hash{}, err
	}

	if _, err := p.waitReceipt(ctx, hash); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// preflightGas estimates the call, pads the cost by 20%, and tops the
// session account up from the principal when it cannot cover it.
func (p *Protocol) preflightGas(ctx context.Context, to common.Address, calldata []byte, log *slog.Logger) (uint64, *big.Int, error) {
	gas, err := p.client.EstimateGas(ctx, ethereum.CallMsg{
		From: p.sessionAddr,
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		return 0, nil, classify(fmt.Errorf("estimate gas: %w", err))
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("suggest gas price: %w", err)
	}

	gasLimit := gas * gasMarginNum / gasMarginDen
	required := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)

	balance, err := p.client.BalanceAt(ctx, p.sessionAddr, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("session balance: %w", err)
	}
	if balance.Cmp(required) >= 0 {
		return gasLimit, gasPrice, nil
	}

	shortfall := new(big.Int).Sub(required, balance)
	if p.principalKey == nil {
		return 0, nil, fmt.Errorf("session account %s needs %s wei for gas and top-ups are disabled: %w",
			p.sessionAddr.Hex(), shortfall, domain.ErrInsufficientGas)
	}

	log.Info("topping up session gas",
		slog.String("session", p.sessionAddr.Hex()),
		slog.String("shortfall_wei", shortfall.String()))
	if err := p.topUp(ctx, shortfall, gasPrice); err != nil {
		return 0, nil, fmt.Errorf("top up session %s by %s wei: %w", p.sessionAddr.Hex(), shortfall, err)
	}
	return gasLimit, gasPrice, nil
}

// topUp sends the shortfall from the principal to the session account and
// waits for the transfer to land.
func (p *Protocol) topUp(ctx context.Context, amount, gasPrice *big.Int) error {
	sessionAddr := p.sessionAddr
	hash, err := p.sendWithNonceRetry(ctx, p.principalKey, p.principalAddr, func(nonce uint64) *types.LegacyTx {
		return &types.LegacyTx{
			Nonce:    nonce,
			To:       &sessionAddr,
			Value:    amount,
			Gas:      21_000,
			GasPrice: gasPrice,
		}
	})
	if err != nil {
		return err
	}
	_, err = p.waitReceipt(ctx, hash)
	return err
}

// placeStake is phase two: the placement call against the market contract,
// sponsored when a sponsor endpoint is configured.
func (p *Protocol) placeStake(ctx context.Context, req domain.PlacementRequest) (common.Hash, *types.Receipt, error) {
	calldata, err := p.marketABI.Pack("placeStake", req.ListingID, req.Side == domain.SideYes, big.NewInt(req.StakeMicro))
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("pack placeStake: %w", err)
	}

	gas, err := p.client.EstimateGas(ctx, ethereum.CallMsg{
		From: p.sessionAddr,
		To:   &p.marketAddr,
		Data: calldata,
	})
	if err != nil {
		return common.Hash{}, nil, classify(fmt.Errorf("estimate gas: %w", err))
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("suggest gas price: %w", err)
	}

	marketAddr := p.marketAddr
	build := func(nonce uint64) *types.LegacyTx {
		return &types.LegacyTx{
			Nonce:    nonce,
			To:       &marketAddr,
			Gas:      gas * gasMarginNum / gasMarginDen,
			GasPrice: gasPrice,
			Data:     calldata,
		}
	}

	var hash common.Hash
	if p.sponsorURL != "" {
		hash, err = p.submitSponsoredWithRetry(ctx, build)
	} else {
		hash, err = p.sendWithNonceRetry(ctx, p.sessionKey, p.sessionAddr, build)
	}
	if err != nil {
		return common.Hash{}, nil, err
	}

	receipt, err := p.waitReceipt(ctx, hash)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return hash, receipt, nil
}

// sendWithNonceRetry signs and sends a transaction, refreshing the nonce and
// retrying with a growing pause when the node reports a nonce conflict.
func (p *Protocol) sendWithNonceRetry(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, build func(nonce uint64) *types.LegacyTx) (common.Hash, error) {
	signer := types.LatestSignerForChainID(p.chainID)

	var lastErr error
	for attempt := 1; attempt <= p.nonceAttempts; attempt++ {
		nonce, err := p.client.PendingNonceAt(ctx, from)
		if err != nil {
			return common.Hash{}, fmt.Errorf("pending nonce for %s: %w", from.Hex(), err)
		}

		tx, err := types.SignNewTx(key, signer, build(nonce))
		if err != nil {
			return common.Hash{}, fmt.Errorf("sign tx: %w", err)
		}

		if err := p.client.SendTransaction(ctx, tx); err != nil {
			if !isNonceErr(err) {
				return common.Hash{}, classify(fmt.Errorf("send tx: %w", err))
			}
			lastErr = err
			p.logger.Warn("nonce conflict, retrying",
				slog.Int("attempt", attempt),
				slog.Uint64("nonce", nonce),
				slog.String("error", err.Error()))
			if err := sleepCtx(ctx, time.Duration(attempt)*p.nonceRetryBase); err != nil {
				return common.Hash{}, err
			}
			continue
		}
		return tx.Hash(), nil
	}
	return common.Hash{}, fmt.Errorf("%w after %d attempts: %v", domain.ErrNonceExhausted, p.nonceAttempts, lastErr)
}

type sponsorRequest struct {
	RawTransaction string `json:"rawTransaction"`
}

type sponsorResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

// submitSponsoredWithRetry signs the placement and submits the raw bytes to
// the gas sponsor, with the same nonce-conflict retry policy as direct sends.
func (p *Protocol) submitSponsoredWithRetry(ctx context.Context, build func(nonce uint64) *types.LegacyTx) (common.Hash, error) {
	signer := types.LatestSignerForChainID(p.chainID)

	var lastErr error
	for attempt := 1; attempt <= p.nonceAttempts; attempt++ {
		nonce, err := p.client.PendingNonceAt(ctx, p.sessionAddr)
		if err != nil {
			return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
		}

		tx, err := types.SignNewTx(p.sessionKey, signer, build(nonce))
		if err != nil {
			return common.Hash{}, fmt.Errorf("sign tx: %w", err)
		}

		hash, err := p.submitSponsored(ctx, tx)
		if err != nil {
			if !isNonceErr(err) {
				return common.Hash{}, classify(err)
			}
			lastErr = err
			p.logger.Warn("sponsor reported nonce conflict, retrying",
				slog.Int("attempt", attempt),
				slog.Uint64("nonce", nonce))
			if err := sleepCtx(ctx, time.Duration(attempt)*p.nonceRetryBase); err != nil {
				return common.Hash{}, err
			}
			continue
		}
		return hash, nil
	}
	return common.Hash{}, fmt.Errorf("%w after %d attempts: %v", domain.ErrNonceExhausted, p.nonceAttempts, lastErr)
}

func (p *Protocol) submitSponsored(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode tx: %w", err)
	}
	body, err := json.Marshal(sponsorRequest{RawTransaction: hexutil.Encode(raw)})
	if err != nil {
		return common.Hash{}, fmt.Errorf("marshal sponsor request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sponsorURL, bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, fmt.Errorf("create sponsor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sponsor submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return common.Hash{}, fmt.Errorf("read sponsor response: %w", err)
	}

	var sr sponsorResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return common.Hash{}, fmt.Errorf("sponsor status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || sr.Error != "" {
		return common.Hash{}, fmt.Errorf("sponsor rejected tx (status %d): %s", resp.StatusCode, sr.Error)
	}
	if sr.TxHash == "" {
		return tx.Hash(), nil
	}
	return common.HexToHash(sr.TxHash), nil
}

// waitReceipt polls until the transaction is mined or the finalization
// window elapses. A mined-but-reverted transaction is an error.
func (p *Protocol) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(p.receiptTimeout)
	for {
		receipt, err := p.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, fmt.Errorf("tx %s reverted in block %s", hash.Hex(), receipt.BlockNumber)
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() != nil {
			return nil, fmt.Errorf("receipt for %s: %w", hash.Hex(), err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("tx %s not mined within %s", hash.Hex(), p.receiptTimeout)
		}
		if err := sleepCtx(ctx, p.receiptPoll); err != nil {
			return nil, err
		}
	}
}

// nonceRefreshPause waits briefly and touches the head block so the node's
// pending state reflects phase one before phase two reads it.
func (p *Protocol) nonceRefreshPause(ctx context.Context) error {
	if err := sleepCtx(ctx, p.noncePause); err != nil {
		return err
	}
	if _, err := p.client.HeaderByNumber(ctx, nil); err != nil {
		return fmt.Errorf("head block: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("chain: %w: %v", domain.ErrContextDone, ctx.Err())
	case <-timer.C:
		return nil
	}
}

var _ domain.Placer = (*Protocol)(nil)
