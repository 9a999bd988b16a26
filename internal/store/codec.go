package store

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/containerman17/frostbyte/internal/chain"
)

// storedTxPayload is the exact shape persisted for one txNum: the tx body,
// its receipt (bloom already stripped at the chain.Receipt level) and the
// owning block's timestamp, denormalized so streaming consumers never
// need a second lookup.
type storedTxPayload struct {
	Hash           [32]byte
	BlockNum       uint64
	BlockTimestamp uint64
	Body           chain.TxBody
	Receipt        chain.Receipt
}

func encodeBlock(b *chain.Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := rlp.Encode(&buf, b); err != nil {
		return nil, fmt.Errorf("encode block: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBlock(data []byte) (*chain.Block, error) {
	var b chain.Block
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &b, nil
}

func encodeStoredTx(tx *chain.StoredTx) ([]byte, error) {
	payload := storedTxPayload{
		Hash:           tx.Hash,
		BlockNum:       tx.BlockNum,
		BlockTimestamp: tx.BlockTimestamp,
		Body:           tx.Body,
		Receipt:        tx.Receipt,
	}
	var buf bytes.Buffer
	if err := rlp.Encode(&buf, &payload); err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeStoredTx(txNum uint64, data []byte) (*chain.StoredTx, error) {
	var payload storedTxPayload
	if err := rlp.DecodeBytes(data, &payload); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	return &chain.StoredTx{
		TxNum:          txNum,
		Hash:           payload.Hash,
		BlockNum:       payload.BlockNum,
		BlockTimestamp: payload.BlockTimestamp,
		Body:           payload.Body,
		Receipt:        payload.Receipt,
	}, nil
}

func encodeTrace(tr *chain.Trace) ([]byte, error) {
	var buf bytes.Buffer
	if err := rlp.Encode(&buf, tr.Root); err != nil {
		return nil, fmt.Errorf("encode trace: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTrace(txHash [32]byte, data []byte) (*chain.Trace, error) {
	var root chain.CallNode
	if err := rlp.DecodeBytes(data, &root); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	return &chain.Trace{TxHash: txHash, Root: &root}, nil
}
