package http

import (
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func browseContext(t *testing.T, table, query string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(nethttp.MethodGet, "/tables/"+table+"/rows?"+query, nil)
	c.Params = gin.Params{{Key: "table", Value: table}}
	return c, rec
}

func TestMaskRowHidesSecrets(t *testing.T) {
	fields := []pgconn.FieldDescription{
		{Name: "id"}, {Name: "password"}, {Name: "claim_token"}, {Name: "receipt_ref"},
		{Name: "connection_uri"}, {Name: "grant_data"}, {Name: "status"},
	}
	values := []interface{}{int64(7), "hunter2", "tok", nil, "vless://x", map[string]interface{}{"client_id": "c"}, "ACTIVE"}

	row := maskRow(fields, values)

	assert.Equal(t, int64(7), row["id"])
	assert.Equal(t, maskedValue, row["password"])
	assert.Equal(t, maskedValue, row["claim_token"])
	assert.Nil(t, row["receipt_ref"], "null stays visible as null")
	assert.Equal(t, maskedValue, row["connection_uri"])
	assert.Equal(t, maskedValue, row["grant_data"])
	assert.Equal(t, "ACTIVE", row["status"])
}

func TestBrowsableTableAllowlist(t *testing.T) {
	for _, table := range []string{"orders", "order_logs", "servers", "plans"} {
		c, _ := browseContext(t, table, "")
		got, ok := browsableTable(c)
		assert.True(t, ok, table)
		assert.Equal(t, table, got)
	}

	for _, table := range []string{"pg_authid", "orders;drop", "users"} {
		c, rec := browseContext(t, table, "")
		_, ok := browsableTable(c)
		assert.False(t, ok, table)
		assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	}
}

func TestParseRowQuery(t *testing.T) {
	c, _ := browseContext(t, "order_logs", "order_id=42&page=0&page_size=500&sort_order=ASC")
	q, err := parseRowQuery(c, "order_logs")
	require.NoError(t, err)
	assert.Equal(t, 1, q.page)
	assert.Equal(t, 50, q.pageSize)
	assert.Equal(t, "ASC", q.sortOrder)
	assert.Equal(t, "created_at", q.sortBy)
	assert.Equal(t, "WHERE order_id = $1", q.where)
	assert.Equal(t, []interface{}{int64(42)}, q.args)

	c, _ = browseContext(t, "orders", "order_id=5")
	q, err = parseRowQuery(c, "orders")
	require.NoError(t, err)
	assert.Equal(t, "WHERE id = $1", q.where)
	assert.Equal(t, "DESC", q.sortOrder)

	c, _ = browseContext(t, "servers", "order_id=5")
	_, err = parseRowQuery(c, "servers")
	assert.Error(t, err)

	c, _ = browseContext(t, "orders", "order_id=1%20OR%201=1")
	_, err = parseRowQuery(c, "orders")
	assert.Error(t, err)
}
