// Package testutil provides fixture builders shared across internal
// package tests: a chain-domain FetchedBlock builder and a test logger.
package testutil

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/containerman17/frostbyte/internal/chain"
)

// NewTestLogger creates a zap development logger for tests; it writes to
// stderr, not to the test log.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return logger
}

// AddressN returns a deterministic address with n in its last byte, for
// building fixtures where the exact address value doesn't matter.
func AddressN(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

// HashN returns a deterministic hash with n in its last byte.
func HashN(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

// NewFetchedBlock builds a self-consistent FetchedBlock with txCount
// plain transfers, each emitting one log under a distinct topic[0]. The
// recipient is always AddressN(0xAA); senders are AddressN(1..txCount).
func NewFetchedBlock(number uint64, parent common.Hash, txCount int, hasDebug bool) *chain.FetchedBlock {
	to := AddressN(0xAA)
	block := &chain.Block{
		Number:     number,
		Hash:       HashN(byte(number + 1)),
		ParentHash: parent,
		Timestamp:  1_700_000_000 + number,
		GasUsed:    21000 * uint64(txCount),
		GasLimit:   30_000_000,
	}

	fb := &chain.FetchedBlock{
		Block:    block,
		Receipts: make(map[common.Hash]chain.Receipt),
		HasDebug: hasDebug,
	}
	if hasDebug {
		fb.Traces = make(map[common.Hash]*chain.Trace)
	}

	for i := 0; i < txCount; i++ {
		txHash := common.BytesToHash([]byte{byte(number), byte(i), 0xFF})
		body := chain.TxBody{
			From:  AddressN(byte(i + 1)),
			To:    &to,
			Value: big.NewInt(int64(i) + 1),
			Gas:   21000,
			Nonce: uint64(i),
			Type:  2,
		}
		var topic common.Hash
		topic[0], topic[1], topic[2] = byte(number), byte(i), 0x01
		receipt := chain.Receipt{
			Status:  1,
			GasUsed: 21000,
			Logs: []chain.Log{
				{Address: to, Topics: []common.Hash{topic}},
			},
		}

		fb.TxHashes = append(fb.TxHashes, txHash)
		fb.Txs = append(fb.Txs, body)
		fb.Receipts[txHash] = receipt

		if hasDebug {
			fb.Traces[txHash] = &chain.Trace{
				TxHash: txHash,
				Root: &chain.CallNode{
					Type: chain.CallTypeCall,
					From: body.From,
					To:   to,
					Gas:  21000,
				},
			}
		}
	}

	return fb
}

// NewContractCreationFetchedBlock builds a single-block fixture containing
// one plain transfer (to=AddressN(0xAA)) followed by one contract-creation
// tx (to=nil, receipt.ContractAddress=AddressN(0xCC)), for exercising the
// to=null round-trip and the reserved contract-creation topic marker.
func NewContractCreationFetchedBlock(number uint64, parent common.Hash, hasDebug bool) *chain.FetchedBlock {
	to := AddressN(0xAA)
	created := AddressN(0xCC)
	block := &chain.Block{
		Number:     number,
		Hash:       HashN(byte(number + 1)),
		ParentHash: parent,
		Timestamp:  1_700_000_000 + number,
		GasUsed:    21000 + 53000,
		GasLimit:   30_000_000,
	}

	fb := &chain.FetchedBlock{
		Block:    block,
		Receipts: make(map[common.Hash]chain.Receipt),
		HasDebug: hasDebug,
	}
	if hasDebug {
		fb.Traces = make(map[common.Hash]*chain.Trace)
	}

	transferHash := common.BytesToHash([]byte{byte(number), 0, 0xFF})
	transferBody := chain.TxBody{
		From:  AddressN(1),
		To:    &to,
		Value: big.NewInt(1),
		Gas:   21000,
		Nonce: 0,
		Type:  2,
	}
	transferReceipt := chain.Receipt{
		Status:  1,
		GasUsed: 21000,
		Logs: []chain.Log{
			{Address: to, Topics: []common.Hash{common.BytesToHash([]byte{byte(number), 0, 0x01})}},
		},
	}
	fb.TxHashes = append(fb.TxHashes, transferHash)
	fb.Txs = append(fb.Txs, transferBody)
	fb.Receipts[transferHash] = transferReceipt

	creationHash := common.BytesToHash([]byte{byte(number), 1, 0xFF})
	creationBody := chain.TxBody{
		From:  AddressN(2),
		To:    nil,
		Value: big.NewInt(0),
		Gas:   53000,
		Nonce: 1,
		Type:  2,
	}
	creationReceipt := chain.Receipt{
		Status:          1,
		GasUsed:         53000,
		ContractAddress: &created,
	}
	fb.TxHashes = append(fb.TxHashes, creationHash)
	fb.Txs = append(fb.Txs, creationBody)
	fb.Receipts[creationHash] = creationReceipt

	if hasDebug {
		fb.Traces[transferHash] = &chain.Trace{
			TxHash: transferHash,
			Root: &chain.CallNode{
				Type: chain.CallTypeCall,
				From: transferBody.From,
				To:   to,
				Gas:  21000,
			},
		}
		fb.Traces[creationHash] = &chain.Trace{
			TxHash: creationHash,
			Root: &chain.CallNode{
				Type: chain.CallTypeCreate,
				From: creationBody.From,
				To:   created,
				Gas:  53000,
			},
		}
	}

	return fb
}

// NewStoredTx builds a minimal StoredTx fixture for index-package tests
// that don't need a full Receipt/Trace, only a txNum/hash/block identity.
func NewStoredTx(txNum uint64) *chain.StoredTx {
	return &chain.StoredTx{
		TxNum:          txNum,
		Hash:           common.BytesToHash([]byte{byte(txNum)}),
		BlockNum:       txNum,
		BlockTimestamp: 1_700_000_000 + txNum,
	}
}
