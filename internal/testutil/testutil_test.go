package testutil

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestNewTestLogger(t *testing.T) {
	logger := NewTestLogger(t)
	assert.NotNil(t, logger)
}

func TestNewFetchedBlock_NoDebug(t *testing.T) {
	fb := NewFetchedBlock(5, HashN(4), 3, false)
	assert.Equal(t, uint64(5), fb.Block.Number)
	assert.Equal(t, HashN(4), fb.Block.ParentHash)
	assert.Len(t, fb.TxHashes, 3)
	assert.Len(t, fb.Txs, 3)
	assert.Len(t, fb.Receipts, 3)
	assert.Nil(t, fb.Traces)
	assert.False(t, fb.HasDebug)
}

func TestNewFetchedBlock_WithDebug(t *testing.T) {
	fb := NewFetchedBlock(1, common.Hash{}, 2, true)
	assert.True(t, fb.HasDebug)
	assert.Len(t, fb.Traces, 2)
	for _, hash := range fb.TxHashes {
		trace, ok := fb.Traces[hash]
		assert.True(t, ok)
		assert.NotNil(t, trace.Root)
	}
}

func TestNewStoredTx(t *testing.T) {
	tx := NewStoredTx(42)
	assert.Equal(t, uint64(42), tx.TxNum)
	assert.Equal(t, uint64(42), tx.BlockNum)
}

func TestAddressNAndHashN_Deterministic(t *testing.T) {
	assert.Equal(t, AddressN(7), AddressN(7))
	assert.NotEqual(t, AddressN(7), AddressN(8))
	assert.Equal(t, HashN(7), HashN(7))
	assert.NotEqual(t, HashN(7), HashN(8))
}
