package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/metrics"
)

const (
	// maxSampleValues is how many distinct values are stored per field.
	maxSampleValues = 5
	// maxSampleLength truncates long sample values before storage.
	maxSampleLength = 64
	// sampleConcurrency bounds the parallel sampling queries per database.
	sampleConcurrency = 4
)

// fieldRow is one introspected column pending upsert.
type fieldRow struct {
	Table   string
	Column  string
	Type    string
	Comment string
	Samples []string
}

// Sync introspects every registered database and upserts the catalog.
// Columns that disappeared from a schema are removed. Sample values for
// text columns are fetched concurrently, bounded per database.
func (s *Store) Sync(ctx context.Context, log *slog.Logger) error {
	for _, name := range config.Databases() {
		backend, err := config.Lookup(name)
		if err != nil {
			return err
		}
		if err := s.syncDatabase(ctx, log, backend); err != nil {
			return fmt.Errorf("failed to sync catalog for %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) syncDatabase(ctx context.Context, log *slog.Logger, backend *config.Backend) error {
	start := time.Now()

	fields, err := introspectFields(ctx, backend)
	if err != nil {
		return err
	}

	// Sample text columns concurrently; sampling failures degrade to an
	// empty list rather than failing the sync.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sampleConcurrency)
	for i := range fields {
		if !sampleable(fields[i].Type) {
			continue
		}
		f := &fields[i]
		g.Go(func() error {
			samples, err := sampleValues(gctx, backend, f.Table, f.Column)
			if err != nil {
				log.Debug("catalog: sampling failed",
					"database", backend.Name, "table", f.Table, "column", f.Column, "error", err)
				return nil
			}
			f.Samples = samples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.upsert(ctx, backend.Name, fields); err != nil {
		return err
	}

	log.Info("catalog: synced database",
		"database", backend.Name,
		"fields", len(fields),
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// upsert writes the introspected fields and prunes rows for columns
// that no longer exist, in one transaction.
func (s *Store) upsert(ctx context.Context, database string, fields []fieldRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin catalog transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	syncedAt := time.Now().UTC()
	for _, f := range fields {
		_, err := tx.Exec(ctx, `
			INSERT INTO catalog_fields
				(database_name, table_name, column_name, data_type, column_comment, sample_values, synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (database_name, table_name, column_name)
			DO UPDATE SET data_type = $4, column_comment = $5, sample_values = $6, synced_at = $7
		`, database, f.Table, f.Column, f.Type, f.Comment, f.Samples, syncedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert catalog field %s.%s: %w", f.Table, f.Column, err)
		}
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM catalog_fields WHERE database_name = $1 AND synced_at < $2
	`, database, syncedAt)
	if err != nil {
		return fmt.Errorf("failed to prune catalog: %w", err)
	}

	return tx.Commit(ctx)
}

// introspect returns the live table layout of a backend, in the shape
// the workflow consumes. Used when the catalog has not been synced.
func introspect(ctx context.Context, backend *config.Backend) (map[string]workflow.TableSchema, error) {
	fields, err := introspectFields(ctx, backend)
	if err != nil {
		return nil, err
	}
	schemas := make(map[string]workflow.TableSchema)
	for _, f := range fields {
		ts := schemas[f.Table]
		ts.Columns = append(ts.Columns, workflow.ColumnSchema{
			Name:    f.Column,
			Type:    f.Type,
			Comment: f.Comment,
		})
		schemas[f.Table] = ts
	}
	return schemas, nil
}

func introspectFields(ctx context.Context, backend *config.Backend) ([]fieldRow, error) {
	switch backend.Type {
	case config.BackendClickHouse:
		return introspectClickHouse(ctx, backend)
	case config.BackendInflux:
		return introspectInflux(ctx, backend)
	default:
		return nil, fmt.Errorf("unsupported backend type %q", backend.Type)
	}
}

// introspectClickHouse reads column metadata from system.columns.
// Staging tables are excluded from the catalog.
func introspectClickHouse(ctx context.Context, backend *config.Backend) ([]fieldRow, error) {
	start := time.Now()
	rows, err := backend.CH.Query(ctx, `
		SELECT
			table,
			name,
			type,
			comment
		FROM system.columns
		WHERE database = $1
		  AND table NOT LIKE 'stg_%'
		ORDER BY table, position
	`, backend.Database)
	duration := time.Since(start)
	metrics.RecordClickHouseQuery(duration, err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch columns: %w", err)
	}
	defer rows.Close()

	var fields []fieldRow
	for rows.Next() {
		var f fieldRow
		if err := rows.Scan(&f.Table, &f.Column, &f.Type, &f.Comment); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate columns: %w", err)
	}
	return fields, nil
}

// introspectInflux reads column metadata through the SQL interface's
// information_schema. The iox schema holds the user tables.
func introspectInflux(ctx context.Context, backend *config.Backend) ([]fieldRow, error) {
	start := time.Now()
	resultRows, err := backend.Influx.QuerySQL(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'iox'
		ORDER BY table_name, ordinal_position
	`)
	metrics.RecordInfluxQuery(time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch columns: %w", err)
	}

	var fields []fieldRow
	for _, row := range resultRows {
		fields = append(fields, fieldRow{
			Table:  asString(row["table_name"]),
			Column: asString(row["column_name"]),
			Type:   asString(row["data_type"]),
		})
	}
	return fields, nil
}

// sampleValues fetches up to maxSampleValues distinct values of a text
// column for use as generation examples.
func sampleValues(ctx context.Context, backend *config.Backend, table, column string) ([]string, error) {
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s LIMIT %d",
		quoteIdent(column), quoteIdent(table), maxSampleValues)

	var samples []string
	switch backend.Type {
	case config.BackendClickHouse:
		start := time.Now()
		rows, err := backend.CH.Query(ctx, query)
		metrics.RecordClickHouseQuery(time.Since(start), err)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		scanType := rows.ColumnTypes()[0].ScanType()
		for rows.Next() {
			value := reflect.New(scanType).Interface()
			if err := rows.Scan(value); err != nil {
				return nil, err
			}
			samples = appendSample(samples, reflect.ValueOf(value).Elem().Interface())
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

	case config.BackendInflux:
		start := time.Now()
		resultRows, err := backend.Influx.QuerySQL(ctx, query)
		metrics.RecordInfluxQuery(time.Since(start), err)
		if err != nil {
			return nil, err
		}
		for _, row := range resultRows {
			samples = appendSample(samples, row[column])
		}
	}
	return samples, nil
}

func appendSample(samples []string, v any) []string {
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return samples
	}
	// Truncate on a rune boundary; sample values end up in Postgres rows.
	if r := []rune(s); len(r) > maxSampleLength {
		s = string(r[:maxSampleLength])
	}
	return append(samples, s)
}

// sampleable reports whether a column type is worth sampling. Only text
// columns carry useful example values.
func sampleable(dataType string) bool {
	t := strings.ToLower(dataType)
	return strings.Contains(t, "string") || strings.Contains(t, "utf8") ||
		strings.Contains(t, "enum") || strings.Contains(t, "dictionary")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
