package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// aggregatorABI is the read surface of a Chainlink AggregatorV3 contract.
const aggregatorABI = `[
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}],
   "stateMutability":"view","type":"function"}
]`

// ContractCaller abstracts the subset of an Ethereum client needed to read a
// feed, keeping the adapter testable without a node.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkFeed reads latestRoundData from an on-chain AggregatorV3
// contract.
type ChainlinkFeed struct {
	caller   ContractCaller
	address  common.Address
	decimals uint8
	abi      abi.ABI
}

// NewChainlinkFeed wires a feed adapter against the aggregator at address.
// The answer precision comes from deployment configuration rather than a
// chain read so construction stays offline.
func NewChainlinkFeed(caller ContractCaller, address common.Address, decimals uint8) (*ChainlinkFeed, error) {
	if caller == nil {
		return nil, fmt.Errorf("oracle: contract caller required")
	}
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse aggregator abi: %w", err)
	}
	return &ChainlinkFeed{caller: caller, address: address, decimals: decimals, abi: parsed}, nil
}

// DialChainlinkFeed connects an RPC endpoint and wraps the aggregator at
// address.
func DialChainlinkFeed(rpcURL, address string, decimals uint8) (*ChainlinkFeed, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: dial %s: %w", rpcURL, err)
	}
	return NewChainlinkFeed(client, common.HexToAddress(address), decimals)
}

// LatestRoundData performs the eth_call and decodes the round tuple.
func (f *ChainlinkFeed) LatestRoundData(ctx context.Context) (RoundData, error) {
	input, err := f.abi.Pack("latestRoundData")
	if err != nil {
		return RoundData{}, fmt.Errorf("oracle: pack call: %w", err)
	}
	msg := ethereum.CallMsg{To: &f.address, Data: input}
	raw, err := f.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return RoundData{}, fmt.Errorf("oracle: call %s: %w", f.address.Hex(), err)
	}
	values, err := f.abi.Unpack("latestRoundData", raw)
	if err != nil {
		return RoundData{}, fmt.Errorf("oracle: unpack round: %w", err)
	}
	if len(values) != 5 {
		return RoundData{}, fmt.Errorf("oracle: unexpected output arity %d", len(values))
	}
	roundID, ok := values[0].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: malformed roundId")
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: malformed answer")
	}
	startedAt, ok := values[2].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: malformed startedAt")
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: malformed updatedAt")
	}
	answeredIn, ok := values[4].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: malformed answeredInRound")
	}
	return RoundData{
		RoundID:         roundID,
		Answer:          answer,
		StartedAt:       unixTime(startedAt),
		UpdatedAt:       unixTime(updatedAt),
		AnsweredInRound: answeredIn,
	}, nil
}

// Decimals reports the configured answer precision.
func (f *ChainlinkFeed) Decimals() uint8 {
	return f.decimals
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0)
}
