// Package covenantexec compiles covenants by running an external compiler
// binary with a JSON request on stdin.
package covenantexec

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/liquid-covenants/marketd/internal/marketstore"
)

const (
	requestVersion  = "covenant.compile.v1"
	responseVersion = "covenant.compile.response.v1"
)

var (
	ErrInvalidConfig = errors.New("covenantexec: invalid config")
	ErrCompile       = errors.New("covenantexec: compile failed")
)

type execCommandFn func(ctx context.Context, bin string, stdin []byte) ([]byte, []byte, error)

type Client struct {
	bin string

	maxResponseBytes int
	execCommand      execCommandFn
}

var _ marketstore.Compiler = (*Client)(nil)

func New(bin string, maxResponseBytes int) (*Client, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("%w: missing compiler binary", ErrInvalidConfig)
	}
	if maxResponseBytes <= 0 {
		return nil, fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
	}
	return &Client{
		bin:              bin,
		maxResponseBytes: maxResponseBytes,
		execCommand:      runExecCommand,
	}, nil
}

type request struct {
	Version string            `json:"version"`
	Kind    string            `json:"kind"`
	Params  map[string]string `json:"params"`
}

type response struct {
	Version            string   `json:"version"`
	Fingerprint        string   `json:"fingerprint"`
	Scripts            []string `json:"scripts"`
	CovenantScript     string   `json:"covenantScript"`
	MakerReceiveScript string   `json:"makerReceiveScript"`
	Error              string   `json:"error"`
}

func (c *Client) CompileMarket(ctx context.Context, p marketstore.MarketParams) (marketstore.CompiledMarket, error) {
	resp, err := c.compile(ctx, "market", map[string]string{
		"oraclePubkey":       hex.EncodeToString(p.OraclePubkey[:]),
		"collateralAssetId":  p.CollateralAssetID.String(),
		"yesAssetId":         p.YesAssetID.String(),
		"noAssetId":          p.NoAssetID.String(),
		"yesReissuanceToken": p.YesReissuanceToken.String(),
		"noReissuanceToken":  p.NoReissuanceToken.String(),
		"collateralPerToken": strconv.FormatUint(p.CollateralPerToken, 10),
		"expiryTime":         strconv.FormatUint(uint64(p.ExpiryTime), 10),
	})
	if err != nil {
		return marketstore.CompiledMarket{}, err
	}

	var out marketstore.CompiledMarket
	if out.Fingerprint, err = decodeFingerprint(resp.Fingerprint); err != nil {
		return marketstore.CompiledMarket{}, err
	}
	if len(resp.Scripts) != len(out.Scripts) {
		return marketstore.CompiledMarket{}, fmt.Errorf("%w: got %d market scripts want %d", ErrCompile, len(resp.Scripts), len(out.Scripts))
	}
	for i, s := range resp.Scripts {
		if out.Scripts[i], err = decodeScript(marketstore.MarketStates[i].String(), s); err != nil {
			return marketstore.CompiledMarket{}, err
		}
	}
	return out, nil
}

// CompileOrder returns scripts only when both the maker key and the nonce are
// known; the fingerprint depends on the parameters alone.
func (c *Client) CompileOrder(ctx context.Context, p marketstore.OrderParams, makerPubkey, nonce *[32]byte) (marketstore.CompiledOrder, error) {
	params := map[string]string{
		"baseAssetId":         p.BaseAssetID.String(),
		"quoteAssetId":        p.QuoteAssetID.String(),
		"price":               strconv.FormatUint(p.Price, 10),
		"minFillLots":         strconv.FormatUint(p.MinFillLots, 10),
		"minRemainderLots":    strconv.FormatUint(p.MinRemainderLots, 10),
		"direction":           p.Direction.String(),
		"makerReceiveSpkHash": hex.EncodeToString(p.MakerReceiveSPKHash[:]),
		"cosignerPubkey":      hex.EncodeToString(p.CosignerPubkey[:]),
	}
	withScripts := makerPubkey != nil && nonce != nil
	if withScripts {
		params["makerPubkey"] = hex.EncodeToString(makerPubkey[:])
		params["nonce"] = hex.EncodeToString(nonce[:])
	}
	resp, err := c.compile(ctx, "order", params)
	if err != nil {
		return marketstore.CompiledOrder{}, err
	}

	var out marketstore.CompiledOrder
	if out.Fingerprint, err = decodeFingerprint(resp.Fingerprint); err != nil {
		return marketstore.CompiledOrder{}, err
	}
	if !withScripts {
		return out, nil
	}
	if out.CovenantScript, err = decodeScript("covenantScript", resp.CovenantScript); err != nil {
		return marketstore.CompiledOrder{}, err
	}
	if out.MakerReceiveScript, err = decodeScript("makerReceiveScript", resp.MakerReceiveScript); err != nil {
		return marketstore.CompiledOrder{}, err
	}
	return out, nil
}

func (c *Client) CompilePool(ctx context.Context, p marketstore.PoolParams, issuedLP uint64) (marketstore.CompiledPool, error) {
	resp, err := c.compile(ctx, "pool", map[string]string{
		"yesAssetId":        p.YesAssetID.String(),
		"noAssetId":         p.NoAssetID.String(),
		"lbtcAssetId":       p.LBTCAssetID.String(),
		"lpAssetId":         p.LPAssetID.String(),
		"lpReissuanceToken": p.LPReissuanceToken.String(),
		"feeBps":            strconv.FormatUint(p.FeeBps, 10),
		"cosignerPubkey":    hex.EncodeToString(p.CosignerPubkey[:]),
		"issuedLp":          strconv.FormatUint(issuedLP, 10),
	})
	if err != nil {
		return marketstore.CompiledPool{}, err
	}

	var out marketstore.CompiledPool
	if out.Fingerprint, err = decodeFingerprint(resp.Fingerprint); err != nil {
		return marketstore.CompiledPool{}, err
	}
	if len(resp.Scripts) != 1 {
		return marketstore.CompiledPool{}, fmt.Errorf("%w: got %d pool scripts want 1", ErrCompile, len(resp.Scripts))
	}
	if out.Script, err = decodeScript("pool", resp.Scripts[0]); err != nil {
		return marketstore.CompiledPool{}, err
	}
	return out, nil
}

func (c *Client) compile(ctx context.Context, kind string, params map[string]string) (response, error) {
	if c == nil || c.execCommand == nil {
		return response{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	reqBody, err := json.Marshal(request{Version: requestVersion, Kind: kind, Params: params})
	if err != nil {
		return response{}, fmt.Errorf("covenantexec: marshal request: %w", err)
	}

	stdout, stderr, err := c.execCommand(ctx, c.bin, reqBody)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		if msg == "" {
			return response{}, fmt.Errorf("covenantexec: execute compiler: %w", err)
		}
		return response{}, fmt.Errorf("covenantexec: execute compiler: %w: %s", err, msg)
	}
	if len(stdout) > c.maxResponseBytes {
		return response{}, fmt.Errorf("covenantexec: response too large")
	}

	var resp response
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return response{}, fmt.Errorf("covenantexec: decode response: %w", err)
	}
	if resp.Version != responseVersion {
		return response{}, fmt.Errorf("covenantexec: unexpected response version %q", resp.Version)
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" {
		return response{}, fmt.Errorf("%w: %s %s", ErrCompile, kind, msg)
	}
	return resp, nil
}

func runExecCommand(ctx context.Context, bin string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func decodeFingerprint(s string) ([32]byte, error) {
	b, err := decodeHexBytes(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: fingerprint: %v", ErrCompile, err)
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("%w: fingerprint is %d bytes", ErrCompile, len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func decodeScript(field, s string) ([]byte, error) {
	b, err := decodeHexBytes(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s script: %v", ErrCompile, field, err)
	}
	return b, nil
}

func decodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if s == "" {
		return nil, fmt.Errorf("empty hex")
	}
	return hex.DecodeString(s)
}
