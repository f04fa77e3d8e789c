// Package merge_repo provides the PostgreSQL implementation of merge.Store.
//
// Table and column names come from the merge.Registry and from field
// allowlists, never from request input, and are quoted as identifiers.
package merge_repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"fieldforce/internal/core/id"
	"fieldforce/internal/domain/merge"
	"fieldforce/internal/infrastructure/storage/postgres"
)

// Store implements merge.Store on top of the transaction in the context.
type Store struct {
	txManager *postgres.TxManager
}

var _ merge.Store = (*Store)(nil)

// NewStore creates a merge store.
func NewStore(txManager *postgres.TxManager) *Store {
	return &Store{txManager: txManager}
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// LockKey is the advisory lock key of one entity.
func LockKey(t merge.EntityType, entityID id.ID) string {
	return string(t) + ":" + entityID.String()
}

const lockSQL = "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))"

// Lock takes a transaction-scoped advisory lock per id, in the order given.
func (s *Store) Lock(ctx context.Context, schema *merge.Schema, ids ...id.ID) error {
	tx := s.txManager.GetTx(ctx)
	if tx == nil {
		return errors.New("advisory lock requires transaction context")
	}
	for _, entityID := range ids {
		if _, err := tx.Exec(ctx, lockSQL, LockKey(schema.Type, entityID)); err != nil {
			return fmt.Errorf("advisory lock %s: %w", LockKey(schema.Type, entityID), err)
		}
	}
	return nil
}

// Load reads the whole row as JSON.
func (s *Store) Load(ctx context.Context, schema *merge.Schema, entityID id.ID, forUpdate bool) (merge.Snapshot, error) {
	sql, args, err := buildLoad(schema, entityID, forUpdate)
	if err != nil {
		return merge.Snapshot{}, fmt.Errorf("build load: %w", err)
	}

	var raw []byte
	err = s.txManager.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return merge.Snapshot{}, merge.ErrRowNotFound
	}
	if err != nil {
		return merge.Snapshot{}, fmt.Errorf("select %s: %w", schema.Table, err)
	}
	return merge.DecodeSnapshot(raw)
}

// UpdateFields writes the given columns. Values are handed to PostgreSQL as
// one JSON document and cast by jsonb_populate_record, the inverse of to_jsonb.
func (s *Store) UpdateFields(ctx context.Context, schema *merge.Schema, entityID id.ID, fields merge.Record) error {
	sql, args, err := buildUpdateFields(schema, entityID, fields)
	if err != nil {
		return err
	}
	tag, err := s.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", schema.Table, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update %s %s: %d rows affected", schema.Table, entityID, tag.RowsAffected())
	}
	return nil
}

// Repoint moves every dependent row in one round trip.
func (s *Store) Repoint(ctx context.Context, schema *merge.Schema, sourceID, targetID id.ID, displayName string) (map[string]int64, error) {
	batch := &pgx.Batch{}
	for _, d := range schema.Dependents {
		sql, args, err := buildRepoint(d, sourceID, targetID, displayName)
		if err != nil {
			return nil, fmt.Errorf("build repoint %s: %w", d.Table, err)
		}
		batch.Queue(sql, args...)
	}

	results := s.txManager.GetQuerier(ctx).SendBatch(ctx, batch)
	defer results.Close()

	counts := make(map[string]int64, len(schema.Dependents))
	for _, d := range schema.Dependents {
		tag, err := results.Exec()
		if err != nil {
			return nil, fmt.Errorf("repoint %s.%s: %w", d.Table, d.ForeignKey, err)
		}
		counts[d.Key()] += tag.RowsAffected()
	}
	return counts, nil
}

// CountDependents counts the rows that reference entityID, per table.
func (s *Store) CountDependents(ctx context.Context, schema *merge.Schema, entityID id.ID) (map[string]int64, error) {
	batch := &pgx.Batch{}
	for _, d := range schema.Dependents {
		sql, args, err := buildCount(d, entityID)
		if err != nil {
			return nil, fmt.Errorf("build count %s: %w", d.Table, err)
		}
		batch.Queue(sql, args...)
	}

	results := s.txManager.GetQuerier(ctx).SendBatch(ctx, batch)
	defer results.Close()

	counts := make(map[string]int64, len(schema.Dependents))
	for _, d := range schema.Dependents {
		var n int64
		if err := results.QueryRow().Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s.%s: %w", d.Table, d.ForeignKey, err)
		}
		counts[d.Key()] += n
	}
	return counts, nil
}

// Retire writes lineage and the inactive marker to the source row.
// Only a row that is not merged yet is updated.
func (s *Store) Retire(ctx context.Context, schema *merge.Schema, sourceID, targetID id.ID, r merge.Retirement) error {
	sql, args, err := buildRetire(schema, sourceID, targetID, r)
	if err != nil {
		return fmt.Errorf("build retire: %w", err)
	}
	tag, err := s.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("retire %s: %w", schema.Table, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("retire %s %s: %d rows affected", schema.Table, sourceID, tag.RowsAffected())
	}
	return nil
}

func buildLoad(schema *merge.Schema, entityID id.ID, forUpdate bool) (string, []any, error) {
	q := builder().
		Select("to_jsonb(t)").
		From(ident(schema.Table) + " AS t").
		Where(squirrel.Eq{"t.id": entityID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	return q.ToSql()
}

func writableColumn(schema *merge.Schema, col string) bool {
	return col == merge.FieldUpdatedAt ||
		(schema.ExternalIDColumn != "" && col == schema.ExternalIDColumn) ||
		schema.AllowsField(col)
}

func buildUpdateFields(schema *merge.Schema, entityID id.ID, fields merge.Record) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, errors.New("no fields to update")
	}

	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !writableColumn(schema, col) {
			return "", nil, fmt.Errorf("column %q is not writable on %s", col, schema.Table)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	payload, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("encode fields: %w", err)
	}

	table := ident(schema.Table)
	record := "(jsonb_populate_record(NULL::" + table + ", ?::jsonb))."

	q := builder().Update(table)
	for _, col := range cols {
		q = q.Set(ident(col), squirrel.Expr(record+ident(col), string(payload)))
	}
	return q.Where(squirrel.Eq{"id": entityID}).ToSql()
}

func buildRepoint(d merge.Dependent, sourceID, targetID id.ID, displayName string) (string, []any, error) {
	q := builder().
		Update(ident(d.Table)).
		Set(ident(d.ForeignKey), targetID)
	if d.NameColumn != "" {
		q = q.Set(ident(d.NameColumn), displayName)
	}
	return q.Where(squirrel.Eq{ident(d.ForeignKey): sourceID}).ToSql()
}

func buildCount(d merge.Dependent, entityID id.ID) (string, []any, error) {
	return builder().
		Select("count(*)").
		From(ident(d.Table)).
		Where(squirrel.Eq{ident(d.ForeignKey): entityID}).
		ToSql()
}

func buildRetire(schema *merge.Schema, sourceID, targetID id.ID, r merge.Retirement) (string, []any, error) {
	set := map[string]any{
		merge.FieldMergedIntoID: targetID,
		merge.FieldMergedAt:     r.At,
		merge.FieldMergedBy:     r.MergedBy,
		merge.FieldMergeReason:  r.Reason,
		merge.FieldUpdatedAt:    r.At,
	}
	for col, v := range schema.Inactive {
		set[col] = v
	}
	return builder().
		Update(ident(schema.Table)).
		SetMap(set).
		Where(squirrel.Eq{"id": sourceID}).
		Where(squirrel.Eq{merge.FieldMergedIntoID: nil}).
		ToSql()
}
