// Package sqlite exposes a read-only SQLite database as an agent tool provider.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qbitdata/qbit/pkg/models"
)

const maxRows = 500

// Provider serves schema inspection and read-only queries over a single
// SQLite database file.
type Provider struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// New opens the database at path in read-only mode.
func New(path string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database file: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Provider{db: db, path: path, logger: logger.With("provider", "sqlite")}, nil
}

// ListTools implements provider.Provider.
func (p *Provider) ListTools(_ context.Context) ([]models.ToolDescriptor, error) {
	return []models.ToolDescriptor{
		{
			Name:        "list_tables",
			Description: "List all tables in the database with their row counts",
			Parameters:  json.RawMessage(models.EmptyObjectSchema),
		},
		{
			Name:        "describe_table",
			Description: "Show the column names, types and constraints of a table",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"table_name": {"type": "string", "description": "Name of the table to describe"}
				},
				"required": ["table_name"]
			}`),
		},
		{
			Name:        "execute_query",
			Description: "Run a read-only SQL SELECT query and return the rows as JSON",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "SQL SELECT statement to execute"}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "get_database_info",
			Description: "Return the database file path, size and table summary",
			Parameters:  json.RawMessage(models.EmptyObjectSchema),
		},
	}, nil
}

// Invoke implements provider.Provider.
func (p *Provider) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "list_tables":
		return p.listTables(ctx)
	case "describe_table":
		table, _ := args["table_name"].(string)
		return p.describeTable(ctx, table)
	case "execute_query":
		query, _ := args["query"].(string)
		return p.executeQuery(ctx, query)
	case "get_database_info":
		return p.databaseInfo(ctx)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// Close releases the underlying database handle.
func (p *Provider) Close() error {
	return p.db.Close()
}

func (p *Provider) tableNames(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *Provider) listTables(ctx context.Context) (string, error) {
	names, err := p.tableNames(ctx)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}

	type tableInfo struct {
		Name     string `json:"name"`
		RowCount int64  `json:"row_count"`
	}
	tables := make([]tableInfo, 0, len(names))
	for _, name := range names {
		var count int64
		// Table names come from sqlite_master, not the model.
		if err := p.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&count); err != nil {
			return "", fmt.Errorf("count rows in %s: %w", name, err)
		}
		tables = append(tables, tableInfo{Name: name, RowCount: count})
	}

	return marshal(map[string]any{"tables": tables, "count": len(tables)})
}

func (p *Provider) describeTable(ctx context.Context, table string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("table_name is required")
	}
	if !validIdentifier(table) {
		return "", fmt.Errorf("invalid table name: %s", table)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return "", fmt.Errorf("describe table: %w", err)
	}
	defer rows.Close()

	type column struct {
		Name       string `json:"name"`
		Type       string `json:"type"`
		NotNull    bool   `json:"not_null"`
		Default    any    `json:"default"`
		PrimaryKey bool   `json:"primary_key"`
	}
	var columns []column
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return "", err
		}
		col := column{Name: name, Type: typ, NotNull: notNull != 0, PrimaryKey: pk != 0}
		if dflt.Valid {
			col.Default = dflt.String
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("table not found: %s", table)
	}

	return marshal(map[string]any{"table": table, "columns": columns})
}

func (p *Provider) executeQuery(ctx context.Context, query string) (string, error) {
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	if !isReadOnlyQuery(query) {
		return "", fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var results []map[string]any
	truncated := false
	for rows.Next() {
		if len(results) >= maxRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	out := map[string]any{
		"columns":   cols,
		"rows":      results,
		"row_count": len(results),
	}
	if truncated {
		out["truncated"] = true
	}
	return marshal(out)
}

func (p *Provider) databaseInfo(ctx context.Context) (string, error) {
	names, err := p.tableNames(ctx)
	if err != nil {
		return "", fmt.Errorf("database info: %w", err)
	}

	info := map[string]any{
		"path":        p.path,
		"table_count": len(names),
		"tables":      names,
	}
	if st, err := os.Stat(p.path); err == nil {
		info["size_bytes"] = st.Size()
	}
	return marshal(info)
}

// isReadOnlyQuery accepts SELECT and WITH ... SELECT statements and rejects
// anything that could mutate the database, including multi-statement input.
func isReadOnlyQuery(query string) bool {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(trimmed, ";") {
		return false
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return false
	}
	for _, kw := range []string{"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "REPLACE", "ATTACH", "DETACH", "PRAGMA", "VACUUM"} {
		if containsWord(upper, kw) {
			return false
		}
	}
	return true
}

func containsWord(s, word string) bool {
	for idx := 0; ; {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordChar(s[i-1])
		after := i+len(word) == len(s) || !isWordChar(s[i+len(word)])
		if before && after {
			return true
		}
		idx = i + len(word)
	}
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isWordChar(name[i]) {
			return false
		}
	}
	return true
}

func marshal(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}
