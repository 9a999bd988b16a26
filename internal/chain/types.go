// Package chain holds the wire-level data model shared by the fetcher,
// the store and the indexer scheduler: blocks, transactions, receipts,
// logs and call traces as retrieved from an EVM JSON-RPC endpoint.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block is the reduced, persisted representation of a block: logsBloom is
// recomputable from receipts and is never stored, and the inline
// transaction list lives separately in the txs collection.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
	GasUsed    uint64
	GasLimit   uint64
	StateRoot  common.Hash
	TxRoot     common.Hash
	Extra      []byte // raw blob stored and returned unchanged; the fetcher leaves it empty and copies no extra RPC fields into it
}

// TxBody is everything about a transaction that does not depend on its
// execution result.
type TxBody struct {
	From       common.Address
	To         *common.Address `rlp:"nil"` // nil for contract creation
	Value      *big.Int
	Gas        uint64
	Input      []byte
	Nonce      uint64
	Type       uint8
	ChainID    *big.Int
	V, R, S    *big.Int
	AccessList types.AccessList `rlp:"optional"`
	GasFeeCap  *big.Int         `rlp:"optional"` // EIP-1559 max fee per gas
	GasTipCap  *big.Int         `rlp:"optional"` // EIP-1559 max priority fee per gas
}

// Log is one event emitted by a contract during transaction execution.
// Topic[0], when present, is the event signature hash.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Receipt is the post-execution summary of a transaction. logsBloom is
// recomputable from Logs and is never stored.
type Receipt struct {
	Status            uint64
	GasUsed           uint64
	Logs              []Log
	EffectiveGasPrice *big.Int
	ContractAddress   *common.Address `rlp:"optional"` // set only for contract-creating txs
}

// StoredTx is the unit persisted under a txNum key: a tx body, its
// receipt, and the owning block's timestamp denormalized for streaming
// consumers that never need to look the block up separately.
type StoredTx struct {
	TxNum          uint64
	Hash           common.Hash
	BlockNum       uint64
	BlockTimestamp uint64
	Body           TxBody
	Receipt        Receipt
}

// CallType identifies the kind of call tree node in a trace.
type CallType uint8

const (
	CallTypeCall CallType = iota
	CallTypeDelegateCall
	CallTypeStaticCall
	CallTypeCallCode
	CallTypeCreate
	CallTypeCreate2
	CallTypeCreate3
	CallTypeSelfDestruct
	CallTypeSuicide
	CallTypeReward
)

func (t CallType) String() string {
	switch t {
	case CallTypeCall:
		return "CALL"
	case CallTypeDelegateCall:
		return "DELEGATECALL"
	case CallTypeStaticCall:
		return "STATICCALL"
	case CallTypeCallCode:
		return "CALLCODE"
	case CallTypeCreate:
		return "CREATE"
	case CallTypeCreate2:
		return "CREATE2"
	case CallTypeCreate3:
		return "CREATE3"
	case CallTypeSelfDestruct:
		return "SELFDESTRUCT"
	case CallTypeSuicide:
		return "SUICIDE"
	case CallTypeReward:
		return "REWARD"
	default:
		return "UNKNOWN"
	}
}

// IsCreateFamily reports whether t is one of the CREATE*-family call types
// that the contract-creation topic marker must be raised for.
func (t CallType) IsCreateFamily() bool {
	switch t {
	case CallTypeCreate, CallTypeCreate2, CallTypeCreate3:
		return true
	default:
		return false
	}
}

// CallNode is one node of a trace's recursive call tree. Children are
// owned by their parent; traverse with an explicit stack (see
// ContainsCreateFamily) rather than recursion to avoid unbounded call
// depth on adversarial traces.
type CallNode struct {
	Type    CallType
	From    common.Address
	To      common.Address
	Value   *big.Int
	Gas     uint64
	GasUsed uint64
	Input   []byte
	Calls   []*CallNode
}

// Trace is the single top-level call tree produced by a debug tracer for
// one transaction.
type Trace struct {
	TxHash common.Hash
	Root   *CallNode
}

// ContainsCreateFamily walks a trace's call tree iteratively looking for
// any CREATE*-family node, used to decide whether the contract-creation
// topic marker applies to a transaction.
func ContainsCreateFamily(root *CallNode) bool {
	if root == nil {
		return false
	}
	stack := []*CallNode{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Type.IsCreateFamily() {
			return true
		}
		stack = append(stack, n.Calls...)
	}
	return false
}

// FetchedBlock is what BatchFetcher assembles for one block number: the
// block header, its transactions in order, a receipt per transaction
// hash, and optional traces when debug is enabled.
type FetchedBlock struct {
	Block    *Block
	Txs      []TxBody
	TxHashes []common.Hash // parallel to Txs
	Receipts map[common.Hash]Receipt
	Traces   map[common.Hash]*Trace // nil when debug is disabled
	HasDebug bool
}
