package store

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes: every collection lives under its own slash-delimited
// namespace so prefix iteration (pebble.DB.NewIter with bounds) stays
// cheap and unambiguous.
const (
	prefixBlocks    = "/data/blocks/"
	prefixBlockHash = "/index/blockh/" // 5-byte block hash prefix -> block number
	prefixTxs       = "/data/txs/"
	prefixTraces    = "/data/traces/"
	prefixTxHash    = "/index/txh/" // 5-byte tx hash prefix -> txNum
	prefixTxTopic   = "/index/topic/"
	prefixTxCreate  = "/index/create/" // reserved contract-creation marker -> txNum, kept out of prefixTxTopic's 5-byte-prefix space
	prefixCatInt    = "/meta/int/"
	prefixCatBlob   = "/meta/blob/"
	prefixDictTx    = "/dict/tx/"    // (batch, kind) -> dictionary blob
	prefixDictBlock = "/dict/block/" // batch -> dictionary blob
)

// Catalog keys.
const (
	catEvmChainID        = "evm_chain_id"
	catHasDebug           = "has_debug"
	catLastStoredBlockNum = "last_stored_block_number"
	catTxCount            = "tx_count"
	catBlockchainLatest   = "blockchain_latest_block"
	catIsCaughtUp         = "is_caught_up"
	catLastCompressedTx   = "last_compressed_batch_num"
	catLastCompressedBlk  = "last_compressed_block_batch_num"
)

// Catalog blob keys.
const (
	catBlobLastStoredHash = "last_stored_block_hash"
)

// ContractCreationMarker is the sentinel filterTopics entry standing in
// for "this tx created a contract". It is never hashed or truncated to 5
// bytes the way a real topic is: GetTxBatch recognizes it by value and
// routes it to its own key namespace (prefixTxCreate) instead of the
// topic-prefix index, so it can never collide with a real topic whose
// 5-byte keccak prefix happens to match its leading bytes.
var ContractCreationMarker = []byte("contract-creation-marker")

func encodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid uint64 length: %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func encodeInt64(n int64) []byte {
	return encodeUint64(uint64(n))
}

func decodeInt64(data []byte) (int64, error) {
	v, err := decodeUint64(data)
	return int64(v), err
}

// blockKey: /data/blocks/{number, big-endian}
func blockKey(number uint64) []byte {
	key := make([]byte, 0, len(prefixBlocks)+8)
	key = append(key, prefixBlocks...)
	key = append(key, encodeUint64(number)...)
	return key
}

// blockHashIndexKey: /index/blockh/{5-byte hash prefix}
func blockHashIndexKey(prefix5 []byte) []byte {
	key := make([]byte, 0, len(prefixBlockHash)+5)
	key = append(key, prefixBlockHash...)
	key = append(key, prefix5...)
	return key
}

// txKey: /data/txs/{txNum, big-endian}
func txKey(txNum uint64) []byte {
	key := make([]byte, 0, len(prefixTxs)+8)
	key = append(key, prefixTxs...)
	key = append(key, encodeUint64(txNum)...)
	return key
}

// traceKey: /data/traces/{txNum, big-endian}
func traceKey(txNum uint64) []byte {
	key := make([]byte, 0, len(prefixTraces)+8)
	key = append(key, prefixTraces...)
	key = append(key, encodeUint64(txNum)...)
	return key
}

// txHashIndexKey: /index/txh/{5-byte hash prefix}{txNum} -- the prefix is
// a bloom, not a unique key, so multiple txNums can collide under one
// prefix; the index value is appended rather than overwritten by
// embedding txNum in the key itself.
func txHashIndexKey(prefix5 []byte, txNum uint64) []byte {
	key := make([]byte, 0, len(prefixTxHash)+5+8)
	key = append(key, prefixTxHash...)
	key = append(key, prefix5...)
	key = append(key, encodeUint64(txNum)...)
	return key
}

func txHashIndexPrefix(prefix5 []byte) []byte {
	key := make([]byte, 0, len(prefixTxHash)+5)
	key = append(key, prefixTxHash...)
	key = append(key, prefix5...)
	return key
}

// txTopicKey: /index/topic/{topic prefix}{txNum}
func txTopicKey(topicPrefix []byte, txNum uint64) []byte {
	key := make([]byte, 0, len(prefixTxTopic)+len(topicPrefix)+8)
	key = append(key, prefixTxTopic...)
	key = append(key, topicPrefix...)
	key = append(key, encodeUint64(txNum)...)
	return key
}

func txTopicPrefix(topicPrefix []byte) []byte {
	key := make([]byte, 0, len(prefixTxTopic)+len(topicPrefix))
	key = append(key, prefixTxTopic...)
	key = append(key, topicPrefix...)
	return key
}

// txCreationKey: /index/create/{txNum} -- a distinct namespace from
// prefixTxTopic, so a real topic's 5-byte prefix can never collide with
// the contract-creation marker.
func txCreationKey(txNum uint64) []byte {
	key := make([]byte, 0, len(prefixTxCreate)+8)
	key = append(key, prefixTxCreate...)
	key = append(key, encodeUint64(txNum)...)
	return key
}

func txCreationPrefix() []byte {
	return []byte(prefixTxCreate)
}

func catIntKey(name string) []byte {
	return []byte(prefixCatInt + name)
}

func catBlobKey(name string) []byte {
	return []byte(prefixCatBlob + name)
}

// dictTxKey: /dict/tx/{batch, big-endian}/{kind}
func dictTxKey(batch uint64, kind string) []byte {
	key := make([]byte, 0, len(prefixDictTx)+8+1+len(kind))
	key = append(key, prefixDictTx...)
	key = append(key, encodeUint64(batch)...)
	key = append(key, '/')
	key = append(key, kind...)
	return key
}

func dictBlockKey(batch uint64) []byte {
	key := make([]byte, 0, len(prefixDictBlock)+8)
	key = append(key, prefixDictBlock...)
	key = append(key, encodeUint64(batch)...)
	return key
}

// hashPrefix5 returns the first 5 bytes of a 32-byte hash, used as a
// bloom-style secondary index value. Never treat it as a unique key: any
// caller resolving a full hash must compare the complete value after
// decoding the candidate record.
func hashPrefix5(hash [32]byte) []byte {
	out := make([]byte, 5)
	copy(out, hash[:5])
	return out
}
