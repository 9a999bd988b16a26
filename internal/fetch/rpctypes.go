package fetch

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/containerman17/frostbyte/internal/chain"
)

// rpcBlock mirrors the shape returned by eth_getBlockByNumber(n, fullTx=true).
// logsBloom and uncles are intentionally not decoded: the store recomputes
// or drops them.
type rpcBlock struct {
	Number           hexutil.Uint64   `json:"number"`
	Hash             common.Hash      `json:"hash"`
	ParentHash       common.Hash      `json:"parentHash"`
	Timestamp        hexutil.Uint64   `json:"timestamp"`
	GasUsed          hexutil.Uint64   `json:"gasUsed"`
	GasLimit         hexutil.Uint64   `json:"gasLimit"`
	StateRoot        common.Hash      `json:"stateRoot"`
	TransactionsRoot common.Hash      `json:"transactionsRoot"`
	Transactions     []rpcTransaction `json:"transactions"`
}

// rpcTransaction wraps a standard go-ethereum transaction plus the extra
// envelope fields (from, blockNumber, blockHash, transactionIndex) that
// only appear in the RPC block/transaction view.
type rpcTransaction struct {
	tx *types.Transaction
	txExtraInfo
}

type txExtraInfo struct {
	From             common.Address  `json:"from"`
	BlockNumber      *hexutil.Uint64 `json:"blockNumber,omitempty"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex,omitempty"`
}

func (t *rpcTransaction) UnmarshalJSON(msg []byte) error {
	if err := json.Unmarshal(msg, &t.txExtraInfo); err != nil {
		return fmt.Errorf("decode tx envelope: %w", err)
	}
	t.tx = new(types.Transaction)
	if err := t.tx.UnmarshalJSON(msg); err != nil {
		return fmt.Errorf("decode tx body: %w", err)
	}
	return nil
}

// rpcReceipt mirrors eth_getTransactionReceipt / the per-block receipts
// call. logsBloom is not decoded for the same reason as rpcBlock's.
type rpcReceipt struct {
	TransactionHash   common.Hash      `json:"transactionHash"`
	Status            hexutil.Uint64   `json:"status"`
	GasUsed           hexutil.Uint64   `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big     `json:"effectiveGasPrice"`
	ContractAddress   *common.Address  `json:"contractAddress"`
	Logs              []rpcLog         `json:"logs"`
}

type rpcLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// rpcCallFrame mirrors the callTracer output of debug_traceBlockByNumber:
// a recursive call tree with one node per CALL/CREATE/SELFDESTRUCT.
type rpcCallFrame struct {
	Type    string         `json:"type"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Value   *hexutil.Big   `json:"value"`
	Gas     hexutil.Uint64 `json:"gas"`
	GasUsed hexutil.Uint64 `json:"gasUsed"`
	Input   hexutil.Bytes  `json:"input"`
	Calls   []rpcCallFrame `json:"calls"`
}

// rpcTraceResult is one element of the debug_traceBlockByNumber response
// array: {txHash, result: <callFrame>}.
type rpcTraceResult struct {
	TxHash common.Hash  `json:"txHash"`
	Result rpcCallFrame `json:"result"`
}

func parseCallType(s string) chain.CallType {
	switch s {
	case "CALL":
		return chain.CallTypeCall
	case "DELEGATECALL":
		return chain.CallTypeDelegateCall
	case "STATICCALL":
		return chain.CallTypeStaticCall
	case "CALLCODE":
		return chain.CallTypeCallCode
	case "CREATE":
		return chain.CallTypeCreate
	case "CREATE2":
		return chain.CallTypeCreate2
	case "CREATE3":
		return chain.CallTypeCreate3
	case "SELFDESTRUCT":
		return chain.CallTypeSelfDestruct
	case "SUICIDE":
		return chain.CallTypeSuicide
	default:
		return chain.CallTypeCall
	}
}

func (f rpcCallFrame) toCallNode() *chain.CallNode {
	value := big.NewInt(0)
	if f.Value != nil {
		value = (*big.Int)(f.Value)
	}
	node := &chain.CallNode{
		Type:    parseCallType(f.Type),
		From:    f.From,
		To:      f.To,
		Value:   value,
		Gas:     uint64(f.Gas),
		GasUsed: uint64(f.GasUsed),
		Input:   []byte(f.Input),
	}
	for _, c := range f.Calls {
		node.Calls = append(node.Calls, c.toCallNode())
	}
	return node
}

func (b *rpcBlock) toChainBlock() *chain.Block {
	return &chain.Block{
		Number:     uint64(b.Number),
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  uint64(b.Timestamp),
		GasUsed:    uint64(b.GasUsed),
		GasLimit:   uint64(b.GasLimit),
		StateRoot:  b.StateRoot,
		TxRoot:     b.TransactionsRoot,
	}
}

func (t *rpcTransaction) toTxBody() chain.TxBody {
	tx := t.tx
	v, r, s := tx.RawSignatureValues()
	body := chain.TxBody{
		From:       t.From,
		To:         tx.To(),
		Value:      tx.Value(),
		Gas:        tx.Gas(),
		Input:      tx.Data(),
		Nonce:      tx.Nonce(),
		Type:       tx.Type(),
		ChainID:    tx.ChainId(),
		V:          v,
		R:          r,
		S:          s,
		AccessList: tx.AccessList(),
	}
	if gfc := tx.GasFeeCap(); gfc != nil {
		body.GasFeeCap = gfc
	}
	if gtc := tx.GasTipCap(); gtc != nil {
		body.GasTipCap = gtc
	}
	return body
}

func (r *rpcReceipt) toReceipt() chain.Receipt {
	logs := make([]chain.Log, len(r.Logs))
	for i, l := range r.Logs {
		logs[i] = chain.Log{Address: l.Address, Topics: l.Topics, Data: []byte(l.Data)}
	}
	var effGasPrice *big.Int
	if r.EffectiveGasPrice != nil {
		effGasPrice = (*big.Int)(r.EffectiveGasPrice)
	}
	return chain.Receipt{
		Status:            uint64(r.Status),
		GasUsed:           uint64(r.GasUsed),
		Logs:              logs,
		EffectiveGasPrice: effGasPrice,
		ContractAddress:   r.ContractAddress,
	}
}
