package erc20transfers

import (
	"database/sql"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/containerman17/frostbyte/internal/chain"
	"github.com/containerman17/frostbyte/internal/index"
)

func topicFromAddress(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

func transferLog(token, from, to common.Address, value int64) chain.Log {
	return chain.Log{
		Address: token,
		Topics:  []common.Hash{transferTopic, topicFromAddress(from), topicFromAddress(to)},
		Data:    common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestExtractData_DecodesTransferLog(t *testing.T) {
	p := New()
	token := common.HexToAddress("0x1111111111111111111111111111111111111111")
	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")

	tx := &chain.StoredTx{
		TxNum:          1,
		Hash:           common.HexToHash("0xaa"),
		BlockNum:       10,
		BlockTimestamp: 1_700_000_000,
		Receipt: chain.Receipt{
			Logs: []chain.Log{transferLog(token, from, to, 42)},
		},
	}

	out, err := p.ExtractData(&index.Batch{Txs: []*chain.StoredTx{tx}})
	require.NoError(t, err)

	transfers, ok := out.([]transfer)
	require.True(t, ok)
	require.Len(t, transfers, 1)
	assert.Equal(t, uint64(1), transfers[0].txNum)
	assert.Equal(t, 0, transfers[0].logIndex)
	assert.Equal(t, "42", transfers[0].value)
	assert.Equal(t, from, transfers[0].from)
	assert.Equal(t, to, transfers[0].to)
}

// A single tx emitting several Transfer logs (a DEX swap routing through
// multiple pools) must persist every row: tx_num alone is not a unique
// key, only (tx_num, log_index) is.
func TestExtractAndSave_MultipleTransfersInOneTx(t *testing.T) {
	p := New()
	tokenA := common.HexToAddress("0x4444444444444444444444444444444444444444")
	tokenB := common.HexToAddress("0x5555555555555555555555555555555555555555")
	user := common.HexToAddress("0x6666666666666666666666666666666666666666")
	pool := common.HexToAddress("0x7777777777777777777777777777777777777777")

	tx := &chain.StoredTx{
		TxNum:          7,
		Hash:           common.HexToHash("0xbb"),
		BlockNum:       20,
		BlockTimestamp: 1_700_000_100,
		Receipt: chain.Receipt{
			Logs: []chain.Log{
				transferLog(tokenA, user, pool, 100),
				transferLog(tokenB, pool, user, 200),
			},
		},
	}

	out, err := p.ExtractData(&index.Batch{Txs: []*chain.StoredTx{tx}})
	require.NoError(t, err)
	transfers := out.([]transfer)
	require.Len(t, transfers, 2)

	db := openTestDB(t)
	require.NoError(t, p.Initialize(db))

	sqlTx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, p.SaveExtractedData(sqlTx, nil, transfers))
	require.NoError(t, sqlTx.Commit())

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM transfers WHERE tx_num = 7`).Scan(&count))
	assert.Equal(t, 2, count)

	var logIndices []int
	rows, err := db.Query(`SELECT log_index FROM transfers WHERE tx_num = 7 ORDER BY log_index`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var li int
		require.NoError(t, rows.Scan(&li))
		logIndices = append(logIndices, li)
	}
	assert.Equal(t, []int{0, 1}, logIndices)
}

func TestExtractData_IgnoresNonTransferLogs(t *testing.T) {
	p := New()
	tx := &chain.StoredTx{
		TxNum: 3,
		Hash:  common.HexToHash("0xcc"),
		Receipt: chain.Receipt{
			Logs: []chain.Log{
				{Address: common.HexToAddress("0x8888888888888888888888888888888888888888"), Topics: []common.Hash{common.HexToHash("0x99")}},
			},
		},
	}

	out, err := p.ExtractData(&index.Batch{Txs: []*chain.StoredTx{tx}})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestFilterTopics_IsTransferEventPrefix(t *testing.T) {
	p := New()
	topics := p.FilterTopics()
	require.Len(t, topics, 1)
	assert.Equal(t, transferTopic.Bytes()[:5], topics[0])
}
