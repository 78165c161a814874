package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// browsableTables lists what the support console may read, with the
// column used for default ordering.
var browsableTables = map[string]string{
	"servers":    "id",
	"plans":      "id",
	"orders":     "id",
	"order_logs": "created_at",
}

// Panel credentials, claim leases and anything that grants access to a
// user's tunnel never leave the service.
var maskedColumns = map[string]bool{
	"password":       true,
	"claim_token":    true,
	"receipt_ref":    true,
	"connection_uri": true,
	"grant_data":     true,
}

const maskedValue = "***"

func isMaskedColumn(name string) bool {
	return maskedColumns[strings.ToLower(name)]
}

// OrderBrowser is a read-only view of the order tables for the support
// console. Writes go through the order API only.
type OrderBrowser struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger
}

func NewOrderBrowser(pool *pgxpool.Pool, schema string, logger *slog.Logger) *OrderBrowser {
	return &OrderBrowser{pool: pool, schema: schema, logger: logger.With("component", "OrderBrowser")}
}

// ListTables returns the browsable tables with approximate row counts
// GET /tables
func (b *OrderBrowser) ListTables(c *gin.Context) {
	names := make([]string, 0, len(browsableTables))
	for name := range browsableTables {
		names = append(names, name)
	}

	rows, err := b.pool.Query(c.Request.Context(), `
		SELECT t.table_name, COALESCE(s.n_live_tup, 0)::int AS row_count
		FROM information_schema.tables t
		LEFT JOIN pg_stat_user_tables s
		  ON s.schemaname = t.table_schema AND s.relname = t.table_name
		WHERE t.table_schema = $1 AND t.table_name::text = ANY($2::text[])
		ORDER BY t.table_name
	`, b.schema, names)
	if err != nil {
		b.fail(c, err)
		return
	}
	defer rows.Close()

	type tableInfo struct {
		Name     string `json:"name"`
		RowCount int    `json:"row_count"`
	}
	tables := []tableInfo{}
	for rows.Next() {
		var t tableInfo
		if err := rows.Scan(&t.Name, &t.RowCount); err != nil {
			b.fail(c, err)
			return
		}
		tables = append(tables, t)
	}

	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

// GetTableSchema returns column definitions for a browsable table
// GET /tables/:table/schema
func (b *OrderBrowser) GetTableSchema(c *gin.Context) {
	table, ok := browsableTable(c)
	if !ok {
		return
	}

	rows, err := b.pool.Query(c.Request.Context(), `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, b.schema, table)
	if err != nil {
		b.fail(c, err)
		return
	}
	defer rows.Close()

	type columnInfo struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Nullable bool   `json:"nullable"`
		Masked   bool   `json:"masked"`
	}
	columns := []columnInfo{}
	for rows.Next() {
		var col columnInfo
		var isNullable string
		if err := rows.Scan(&col.Name, &col.Type, &isNullable); err != nil {
			b.fail(c, err)
			return
		}
		col.Nullable = isNullable == "YES"
		col.Masked = isMaskedColumn(col.Name)
		columns = append(columns, col)
	}

	c.JSON(http.StatusOK, gin.H{"table": table, "columns": columns})
}

// QueryRows returns paginated rows, optionally filtered by order_id
// GET /tables/:table/rows?page=1&page_size=50&order_id=&sort_order=desc
func (b *OrderBrowser) QueryRows(c *gin.Context) {
	table, ok := browsableTable(c)
	if !ok {
		return
	}

	q, err := parseRowQuery(c, table)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	qualified := pgx.Identifier{b.schema, table}.Sanitize()

	var total int
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", qualified, q.where)
	if err := b.pool.QueryRow(ctx, countSQL, q.args...).Scan(&total); err != nil {
		b.fail(c, err)
		return
	}

	dataSQL := fmt.Sprintf("SELECT * FROM %s %s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		qualified, q.where, pgx.Identifier{q.sortBy}.Sanitize(), q.sortOrder,
		len(q.args)+1, len(q.args)+2)
	args := append(q.args, q.pageSize, (q.page-1)*q.pageSize)

	rows, err := b.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		b.fail(c, err)
		return
	}
	defer rows.Close()

	results, err := collectMasked(rows)
	if err != nil {
		b.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"table":     table,
		"rows":      results,
		"total":     total,
		"page":      q.page,
		"page_size": q.pageSize,
	})
}

type rowQuery struct {
	page      int
	pageSize  int
	sortBy    string
	sortOrder string
	where     string
	args      []interface{}
}

func parseRowQuery(c *gin.Context, table string) (*rowQuery, error) {
	q := &rowQuery{sortBy: browsableTables[table], sortOrder: "DESC"}

	q.page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if q.page < 1 {
		q.page = 1
	}
	q.pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if q.pageSize < 1 || q.pageSize > 100 {
		q.pageSize = 50
	}
	if strings.EqualFold(c.Query("sort_order"), "asc") {
		q.sortOrder = "ASC"
	}

	if raw := c.Query("order_id"); raw != "" {
		var column string
		switch table {
		case "orders":
			column = "id"
		case "order_logs":
			column = "order_id"
		default:
			return nil, fmt.Errorf("order_id filter is not supported on %s", table)
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid order_id %q", raw)
		}
		q.where = "WHERE " + column + " = $1"
		q.args = append(q.args, id)
	}
	return q, nil
}

func collectMasked(rows pgx.Rows) ([]map[string]interface{}, error) {
	fields := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		results = append(results, maskRow(fields, values))
	}
	return results, rows.Err()
}

func maskRow(fields []pgconn.FieldDescription, values []interface{}) map[string]interface{} {
	row := make(map[string]interface{}, len(fields))
	for i, fd := range fields {
		if values[i] != nil && isMaskedColumn(fd.Name) {
			row[fd.Name] = maskedValue
			continue
		}
		row[fd.Name] = values[i]
	}
	return row
}

func browsableTable(c *gin.Context) (string, bool) {
	table := c.Param("table")
	if _, ok := browsableTables[table]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("table %q not found", table)})
		return "", false
	}
	return table, true
}

func (b *OrderBrowser) fail(c *gin.Context, err error) {
	b.logger.Error("browse failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
}
