package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
	"github.com/chainpoint/chainpoint-txwatch/watcher"
)

func TestRowItem(t *testing.T) {
	assert := assert.New(t)
	d := types.DigestOf([]byte("tx"))

	item, err := rowItem(4, types.KindTx, sql.NullString{String: d.String(), Valid: true})
	assert.Nil(err)
	assert.Equal(types.TransactionItem(4, d), item)

	item, err = rowItem(5, types.KindBatch, sql.NullString{})
	assert.Nil(err)
	assert.Equal(types.BatchItem(5), item)

	_, err = rowItem(5, types.KindTx, sql.NullString{})
	assert.NotNil(err, "transaction rows need a digest")
	_, err = rowItem(-1, types.KindBatch, sql.NullString{})
	assert.NotNil(err, "negative seq should be rejected")
	_, err = rowItem(1, 7, sql.NullString{})
	assert.NotNil(err, "unknown kind should be rejected")
}

func TestWindowSQL(t *testing.T) {
	assert := assert.New(t)
	pg := NewPG(nil, "", nil)
	assert.Equal(DefaultTable, pg.Table)
	assert.Equal(`SELECT seq, kind, digest FROM "tx_notifications" WHERE (seq, kind) >= ($1, 1) ORDER BY seq, kind LIMIT $2`, windowSQL(pg.table()))
	assert.Contains(schemaSQL(pg.table()), `CREATE TABLE IF NOT EXISTS "tx_notifications"`)
}

func getTestConnectionString(t *testing.T) string {
	uri := util.GetEnv("POSTGRES_URI", "")
	if uri == "" {
		t.Skip("POSTGRES_URI not set")
	}
	return uri
}

func TestPostgresWindows(t *testing.T) {
	assert := assert.New(t)
	table := fmt.Sprintf("txwatch_test_%d", time.Now().UnixNano())
	pg, err := NewPGFromURI(getTestConnectionString(t), table, nil)
	if !assert.Nil(err) {
		return
	}
	defer pg.Close()
	defer pg.DB.Exec("DROP TABLE " + pg.table())
	assert.Nil(pg.InitSchema())

	a, b, c := types.DigestOf([]byte("a")), types.DigestOf([]byte("b")), types.DigestOf([]byte("c"))
	head, err := pg.AppendBatch(a, b)
	assert.Nil(err)
	assert.Equal(types.SequenceNumber(2), head)
	_, err = pg.AppendBatch(c)
	assert.Nil(err)

	s, err := pg.Open(context.Background(), types.BatchInfoRequest{Start: types.Seq(2), Length: 10})
	assert.Nil(err)
	var items []types.UpdateItem
	for r := range s.Items() {
		assert.Nil(r.Err)
		items = append(items, r.Item)
	}
	assert.Nil(s.Close())
	assert.Equal([]types.UpdateItem{types.TransactionItem(2, c), types.BatchItem(3)}, items,
		"window should resume after the batch boundary at 2")

	var _ stream.Source = pg
	err = watcher.New(pg, watcher.DefaultConfig()).Watch(context.Background(), []types.Digest{a, c}, 5*time.Second)
	assert.Nil(err)
}
