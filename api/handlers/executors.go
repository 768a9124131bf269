package handlers

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/metrics"
)

// BackendExecutor implements workflow.Executor over the registered
// database backends. Backend failures are reported as
// *workflow.ExecutionError carrying the engine's message verbatim so
// the repair loop sees exactly what the database said.
type BackendExecutor struct{}

// NewBackendExecutor creates a new BackendExecutor.
func NewBackendExecutor() *BackendExecutor {
	return &BackendExecutor{}
}

// Execute runs SQL against the named database.
func (e *BackendExecutor) Execute(ctx context.Context, database, sql string) (*workflow.QueryResult, error) {
	backend, err := config.Lookup(database)
	if err != nil {
		return nil, workflow.NewConfigurationError("%v", err)
	}

	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	switch backend.Type {
	case config.BackendClickHouse:
		return executeClickHouse(ctx, backend, sql)
	case config.BackendInflux:
		return executeInflux(ctx, backend, sql)
	default:
		return nil, workflow.NewConfigurationError("unsupported backend type %q", backend.Type)
	}
}

// executeClickHouse runs the query on a ClickHouse backend and scans
// rows into maps using the driver's reported scan types.
func executeClickHouse(ctx context.Context, backend *config.Backend, sql string) (*workflow.QueryResult, error) {
	start := time.Now()
	rows, err := backend.CH.Query(ctx, sql)
	if err != nil {
		metrics.RecordClickHouseQuery(time.Since(start), err)
		return nil, workflow.NewExecutionError(sql, err.Error())
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	columns := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = ct.Name()
	}

	var resultRows []map[string]any
	for rows.Next() {
		// Create properly typed values based on column types
		values := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			values[i] = reflect.New(ct.ScanType()).Interface()
		}

		if err := rows.Scan(values...); err != nil {
			metrics.RecordClickHouseQuery(time.Since(start), err)
			return nil, workflow.NewExecutionError(sql, fmt.Sprintf("scan error: %v", err))
		}

		// Dereference pointers and build map
		row := make(map[string]any)
		for i, col := range columns {
			row[col] = reflect.ValueOf(values[i]).Elem().Interface()
		}
		resultRows = append(resultRows, row)
	}

	duration := time.Since(start)
	if err := rows.Err(); err != nil {
		metrics.RecordClickHouseQuery(duration, err)
		return nil, workflow.NewExecutionError(sql, err.Error())
	}
	metrics.RecordClickHouseQuery(duration, nil)

	sanitizeRows(resultRows)

	result := &workflow.QueryResult{
		SQL:         sql,
		Columns:     columns,
		Rows:        resultRows,
		Count:       len(resultRows),
		ExecutionMS: duration.Milliseconds(),
	}
	result.Formatted = formatQueryResult(result)
	return result, nil
}

// executeInflux runs the query on an InfluxDB 3 backend through its SQL
// client. Column names are derived from the first row since the client
// returns maps.
func executeInflux(ctx context.Context, backend *config.Backend, sql string) (*workflow.QueryResult, error) {
	start := time.Now()
	resultRows, err := backend.Influx.QuerySQL(ctx, sql)
	duration := time.Since(start)
	metrics.RecordInfluxQuery(duration, err)
	if err != nil {
		return nil, workflow.NewExecutionError(sql, err.Error())
	}

	var columns []string
	if len(resultRows) > 0 {
		columns = make([]string, 0, len(resultRows[0]))
		for col := range resultRows[0] {
			columns = append(columns, col)
		}
		sort.Strings(columns)
	}

	sanitizeRows(resultRows)

	result := &workflow.QueryResult{
		SQL:         sql,
		Columns:     columns,
		Rows:        resultRows,
		Count:       len(resultRows),
		ExecutionMS: duration.Milliseconds(),
	}
	result.Formatted = formatQueryResult(result)
	return result, nil
}

// formatQueryResult creates a human-readable format of the query result.
func formatQueryResult(result *workflow.QueryResult) string {
	if len(result.Rows) == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Results (%d rows):\n", len(result.Rows)))
	sb.WriteString("Columns: " + strings.Join(result.Columns, " | ") + "\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")

	// Limit output to first 50 rows
	maxRows := min(50, len(result.Rows))

	for i := range maxRows {
		row := result.Rows[i]
		var values []string
		for _, col := range result.Columns {
			values = append(values, formatValue(row[col]))
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}

	if len(result.Rows) > 50 {
		sb.WriteString(fmt.Sprintf("... and %d more rows\n", len(result.Rows)-50))
	}

	return sb.String()
}

// formatValue renders a single cell, dereferencing the pointer types
// the ClickHouse driver produces for Nullable and Decimal columns.
func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return "NULL"
		}
		return formatValue(rv.Elem().Interface())
	}
	return fmt.Sprintf("%v", v)
}

// sanitizeRows replaces non-JSON-serializable values (Inf, NaN) with nil.
func sanitizeRows(rows []map[string]any) {
	for _, row := range rows {
		for k, v := range row {
			row[k] = sanitizeValue(v)
		}
	}
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsInf(val, 0) || math.IsNaN(val) {
			return nil
		}
	case float32:
		if math.IsInf(float64(val), 0) || math.IsNaN(float64(val)) {
			return nil
		}
	}
	return v
}
