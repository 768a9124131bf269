// Package catalog maintains the field catalog: one row per column of
// every registered database, enriched with comments and sample values.
// The workflow engine reads it through the Store, which implements both
// schema lookup and relevance-ranked field discovery.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
	"github.com/andeslabs/sqlcopilot/api/config"
)

// MaxDiscoveredFields caps how many catalog fields FindFields returns.
// Generation prompts stay bounded no matter how wide the schema is.
const MaxDiscoveredFields = 24

// Store reads the catalog_fields table. It implements
// workflow.SchemaProvider and workflow.FieldFinder.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Schemas returns the table layout of the named database from the
// catalog. Unknown database names fail with a ConfigurationError; a
// known database whose catalog has not been synced yet is introspected
// live instead.
func (s *Store) Schemas(ctx context.Context, database string) (map[string]workflow.TableSchema, error) {
	backend, err := config.Lookup(database)
	if err != nil {
		return nil, workflow.NewConfigurationError("%v", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT table_name, column_name, data_type, column_comment
		FROM catalog_fields
		WHERE database_name = $1
		ORDER BY table_name, id
	`, backend.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	defer rows.Close()

	schemas := make(map[string]workflow.TableSchema)
	for rows.Next() {
		var table, column, dataType, comment string
		if err := rows.Scan(&table, &column, &dataType, &comment); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		ts := schemas[table]
		ts.Columns = append(ts.Columns, workflow.ColumnSchema{
			Name:    column,
			Type:    dataType,
			Comment: comment,
		})
		schemas[table] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catalog rows: %w", err)
	}

	if len(schemas) == 0 {
		// Never synced; fall back to live introspection.
		return introspect(ctx, backend)
	}
	return schemas, nil
}

// FieldsByID resolves catalog field ids to full rows. Unknown ids are
// silently dropped so a stale checkpoint never fails a run.
func (s *Store) FieldsByID(ctx context.Context, ids []int64) ([]workflow.Field, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, table_name, column_name, data_type, column_comment, sample_values
		FROM catalog_fields
		WHERE id = ANY($1)
		ORDER BY table_name, id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog fields: %w", err)
	}
	defer rows.Close()

	var fields []workflow.Field
	for rows.Next() {
		var f workflow.Field
		if err := rows.Scan(&f.ID, &f.Table, &f.Column, &f.Type, &f.Comment, &f.SampleValues); err != nil {
			return nil, fmt.Errorf("failed to scan catalog field: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catalog fields: %w", err)
	}
	return fields, nil
}

// FindFields returns the ids of fields relevant to the query text,
// best matches first. An empty result is valid; generation then works
// from the full schema.
func (s *Store) FindFields(ctx context.Context, database, queryText string) ([]int64, error) {
	backend, err := config.Lookup(database)
	if err != nil {
		return nil, workflow.NewConfigurationError("%v", err)
	}

	terms := searchTerms(queryText)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, table_name, column_name, column_comment, sample_values
		FROM catalog_fields
		WHERE database_name = $1
	`, backend.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id    int64
		score int
	}
	var matches []scored
	for rows.Next() {
		var (
			id             int64
			table, column  string
			comment        string
			samples        []string
		)
		if err := rows.Scan(&id, &table, &column, &comment, &samples); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		score := scoreField(terms, table, column, comment, samples)
		if score > 0 {
			matches = append(matches, scored{id: id, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catalog rows: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if len(matches) > MaxDiscoveredFields {
		matches = matches[:MaxDiscoveredFields]
	}

	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}
	return ids, nil
}

// scoreField ranks one catalog row against the search terms. Column
// name matches weigh most, then table name, comment, sample values.
func scoreField(terms []string, table, column, comment string, samples []string) int {
	table = strings.ToLower(table)
	column = strings.ToLower(column)
	comment = strings.ToLower(comment)

	score := 0
	for _, term := range terms {
		switch {
		case column == term:
			score += 10
		case strings.Contains(column, term):
			score += 6
		}
		if strings.Contains(table, term) {
			score += 4
		}
		if strings.Contains(comment, term) {
			score += 3
		}
		for _, sv := range samples {
			if strings.Contains(strings.ToLower(sv), term) {
				score += 2
				break
			}
		}
	}
	return score
}

// searchTerms tokenizes the query text into lowercase terms, dropping
// short and common words that match everything.
func searchTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})

	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"were": true, "what": true, "which": true, "how": true, "many": true,
	"much": true, "with": true, "from": true, "that": true, "this": true,
	"all": true, "per": true, "each": true, "show": true, "list": true,
	"give": true, "get": true, "have": true, "has": true, "last": true,
	"over": true, "between": true, "there": true, "their": true,
}
