// Package erc20transfers is a reference IndexerScheduler plugin: it
// decodes ERC20 Transfer events out of the tx log stream and persists
// them into its own sqlite database.
package erc20transfers

import (
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/containerman17/frostbyte/internal/index"
)

const transferEventABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

const pluginName = "erc20_transfers"
const pluginVersion = 1

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// transfer is one decoded Transfer log, ready for insertion.
type transfer struct {
	txNum     uint64
	logIndex  int
	txHash    common.Hash
	blockNum  uint64
	timestamp uint64
	token     common.Address
	from      common.Address
	to        common.Address
	value     string
}

// Plugin implements index.Plugin.
type Plugin struct {
	abi abi.ABI
}

func New() *Plugin {
	parsed, err := abi.JSON(strings.NewReader(transferEventABI))
	if err != nil {
		panic(fmt.Sprintf("erc20transfers: invalid embedded ABI: %v", err))
	}
	return &Plugin{abi: parsed}
}

func (p *Plugin) Name() string              { return pluginName }
func (p *Plugin) Version() int              { return pluginVersion }
func (p *Plugin) UsesTraces() bool          { return false }
func (p *Plugin) DependencyVersions() []int { return nil }

// FilterTopics restricts the scheduler's getTxBatch call to txs carrying
// at least one Transfer log, so blocks with no ERC20 activity are skipped
// cheaply via the store's topic index.
func (p *Plugin) FilterTopics() [][]byte {
	return [][]byte{transferTopic.Bytes()[:5]}
}

// tx_num alone is not unique: a single tx (a DEX swap, say) commonly
// emits several Transfer logs, so the primary key is the pair of tx_num
// and the log's index within the receipt.
const schemaDDL = `CREATE TABLE IF NOT EXISTS transfers (
	tx_num     INTEGER NOT NULL,
	log_index  INTEGER NOT NULL,
	tx_hash    TEXT NOT NULL,
	block_num  INTEGER NOT NULL,
	timestamp  INTEGER NOT NULL,
	token      TEXT NOT NULL,
	sender     TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (tx_num, log_index)
);
CREATE INDEX IF NOT EXISTS transfers_token_idx ON transfers(token);
CREATE INDEX IF NOT EXISTS transfers_recipient_idx ON transfers(recipient);`

func (p *Plugin) Initialize(db *sql.DB) error {
	_, err := db.Exec(schemaDDL)
	return err
}

func (p *Plugin) ExtractData(batch *index.Batch) (interface{}, error) {
	var out []transfer
	for _, tx := range batch.Txs {
		for logIndex, lg := range tx.Receipt.Logs {
			if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
				continue
			}
			var unpacked struct{ Value *big.Int }
			if err := p.abi.UnpackIntoInterface(&unpacked, "Transfer", lg.Data); err != nil {
				continue // malformed log data from a non-standard token; skip rather than fail the batch
			}
			out = append(out, transfer{
				txNum:     tx.TxNum,
				logIndex:  logIndex,
				txHash:    tx.Hash,
				blockNum:  tx.BlockNum,
				timestamp: tx.BlockTimestamp,
				token:     lg.Address,
				from:      common.BytesToAddress(lg.Topics[1].Bytes()),
				to:        common.BytesToAddress(lg.Topics[2].Bytes()),
				value:     unpacked.Value.String(),
			})
		}
	}
	return out, nil
}

func (p *Plugin) SaveExtractedData(tx *sql.Tx, _ index.BlocksStore, data interface{}) error {
	transfers, ok := data.([]transfer)
	if !ok {
		return fmt.Errorf("erc20transfers: unexpected extracted type %T", data)
	}
	stmt, err := tx.Prepare(`INSERT INTO transfers(tx_num, log_index, tx_hash, block_num, timestamp, token, sender, recipient, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range transfers {
		if _, err := stmt.Exec(t.txNum, t.logIndex, t.txHash.Hex(), t.blockNum, t.timestamp, t.token.Hex(), t.from.Hex(), t.to.Hex(), t.value); err != nil {
			return err
		}
	}
	return nil
}
