package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/klauspost/compress/zstd"

	"fieldforce/internal/core/apperror"
	"fieldforce/internal/core/id"
	"fieldforce/internal/domain/merge"
)

const auditTable = "merge_audit_log"

// CompressionAlgo specifies how snapshot payloads are stored.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultCompressThreshold is the snapshot size above which payloads are compressed.
const DefaultCompressThreshold = 10 * 1024

var auditColumns = ExtractDBColumns[auditRow]()

// auditRow is one merge_audit_log row. Field order is column order.
type auditRow struct {
	ID                  id.ID           `db:"id"`
	EntityType          string          `db:"entity_type"`
	SourceID            id.ID           `db:"source_id"`
	TargetID            id.ID           `db:"target_id"`
	SourceSnapshot      []byte          `db:"source_snapshot"`
	TargetSnapshot      []byte          `db:"target_snapshot"`
	MergedSnapshot      []byte          `db:"merged_snapshot"`
	SnapshotsCompressed []byte          `db:"snapshots_compressed"`
	CompressionAlgo     CompressionAlgo `db:"compression_algo"`
	FieldResolutions    []byte          `db:"field_resolutions"`
	RecordsUpdated      []byte          `db:"records_updated"`
	ExternalResolution  []byte          `db:"external_resolution"`
	MergedBy            string          `db:"merged_by"`
	MergedByContact     string          `db:"merged_by_contact"`
	Notes               *string         `db:"notes"`
	CreatedAt           time.Time       `db:"created_at"`
}

// snapshotBundle is the compressed form of the three snapshots.
// Fields are plain bytes so each snapshot round-trips byte for byte.
type snapshotBundle struct {
	Source []byte `json:"source"`
	Target []byte `json:"target"`
	Merged []byte `json:"merged"`
}

// MergeAuditLog stores merge history in merge_audit_log.
// The table is append-only: a trigger rejects UPDATE and DELETE.
type MergeAuditLog struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

var _ merge.AuditLog = (*MergeAuditLog)(nil)

// NewMergeAuditLog creates the audit log. A threshold <= 0 uses DefaultCompressThreshold.
func NewMergeAuditLog(txManager *TxManager, compressThreshold int) (*MergeAuditLog, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if compressThreshold <= 0 {
		compressThreshold = DefaultCompressThreshold
	}
	return &MergeAuditLog{
		txManager:         txManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: compressThreshold,
	}, nil
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Append inserts one audit record.
func (l *MergeAuditLog) Append(ctx context.Context, rec *merge.AuditRecord) error {
	row, err := l.toRow(rec)
	if err != nil {
		return err
	}

	sql, args, err := buildAuditInsert(row)
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := l.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert %s: %w", auditTable, err)
	}
	return nil
}

// Get returns one audit record.
func (l *MergeAuditLog) Get(ctx context.Context, auditID id.ID) (*merge.AuditRecord, error) {
	sql, args, err := builder().
		Select(auditColumns...).
		From(auditTable).
		Where(squirrel.Eq{"id": auditID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit select: %w", err)
	}

	var row auditRow
	if err := pgxscan.Get(ctx, l.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("merge audit record", auditID.String())
		}
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	return l.fromRow(&row)
}

// ListForEntity returns merges where the entity was source or target, newest first.
func (l *MergeAuditLog) ListForEntity(ctx context.Context, entityType merge.EntityType, entityID id.ID, limit int) ([]merge.AuditRecord, error) {
	sql, args, err := buildAuditList(entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("build audit list: %w", err)
	}

	var rows []*auditRow
	if err := pgxscan.Select(ctx, l.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}

	out := make([]merge.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := l.fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func buildAuditInsert(row *auditRow) (string, []any, error) {
	return builder().
		Insert(auditTable).
		Columns(auditColumns...).
		Values(ColumnValues(row, auditColumns)...).
		ToSql()
}

func buildAuditList(entityType merge.EntityType, entityID id.ID, limit int) (string, []any, error) {
	return builder().
		Select(auditColumns...).
		From(auditTable).
		Where(squirrel.Eq{"entity_type": string(entityType)}).
		Where(squirrel.Or{
			squirrel.Eq{"source_id": entityID},
			squirrel.Eq{"target_id": entityID},
		}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
}

func (l *MergeAuditLog) toRow(rec *merge.AuditRecord) (*auditRow, error) {
	resolutions, err := json.Marshal(rec.FieldResolutions)
	if err != nil {
		return nil, fmt.Errorf("marshal field resolutions: %w", err)
	}
	counts, err := json.Marshal(rec.RecordsUpdated)
	if err != nil {
		return nil, fmt.Errorf("marshal records updated: %w", err)
	}
	var external []byte
	if rec.ExternalResolution != nil {
		if external, err = json.Marshal(rec.ExternalResolution); err != nil {
			return nil, fmt.Errorf("marshal external resolution: %w", err)
		}
	}

	row := &auditRow{
		ID:                 rec.ID,
		EntityType:         string(rec.EntityType),
		SourceID:           rec.SourceID,
		TargetID:           rec.TargetID,
		CompressionAlgo:    CompressionNone,
		FieldResolutions:   resolutions,
		RecordsUpdated:     counts,
		ExternalResolution: external,
		MergedBy:           rec.MergedBy,
		MergedByContact:    rec.MergedByContact,
		Notes:              rec.Notes,
		CreatedAt:          rec.CreatedAt,
	}

	size := len(rec.SourceSnapshot) + len(rec.TargetSnapshot) + len(rec.MergedSnapshot)
	if size <= l.compressThreshold {
		row.SourceSnapshot = rec.SourceSnapshot
		row.TargetSnapshot = rec.TargetSnapshot
		row.MergedSnapshot = rec.MergedSnapshot
		return row, nil
	}

	bundle, err := json.Marshal(snapshotBundle{
		Source: rec.SourceSnapshot,
		Target: rec.TargetSnapshot,
		Merged: rec.MergedSnapshot,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot bundle: %w", err)
	}
	row.SnapshotsCompressed = l.encoder.EncodeAll(bundle, nil)
	row.CompressionAlgo = CompressionZstd
	return row, nil
}

func (l *MergeAuditLog) fromRow(row *auditRow) (*merge.AuditRecord, error) {
	rec := &merge.AuditRecord{
		ID:              row.ID,
		EntityType:      merge.EntityType(row.EntityType),
		SourceID:        row.SourceID,
		TargetID:        row.TargetID,
		SourceSnapshot:  row.SourceSnapshot,
		TargetSnapshot:  row.TargetSnapshot,
		MergedSnapshot:  row.MergedSnapshot,
		MergedBy:        row.MergedBy,
		MergedByContact: row.MergedByContact,
		Notes:           row.Notes,
		CreatedAt:       row.CreatedAt,
	}

	switch row.CompressionAlgo {
	case CompressionNone, "":
	case CompressionZstd:
		raw, err := l.decoder.DecodeAll(row.SnapshotsCompressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshots of %s: %w", row.ID, err)
		}
		var bundle snapshotBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, fmt.Errorf("decode snapshots of %s: %w", row.ID, err)
		}
		rec.SourceSnapshot = bundle.Source
		rec.TargetSnapshot = bundle.Target
		rec.MergedSnapshot = bundle.Merged
	default:
		return nil, fmt.Errorf("audit record %s: %w", row.ID, errUnknownCompression(row.CompressionAlgo))
	}

	if err := json.Unmarshal(row.FieldResolutions, &rec.FieldResolutions); err != nil {
		return nil, fmt.Errorf("decode field resolutions: %w", err)
	}
	if err := json.Unmarshal(row.RecordsUpdated, &rec.RecordsUpdated); err != nil {
		return nil, fmt.Errorf("decode records updated: %w", err)
	}
	if len(row.ExternalResolution) > 0 {
		rec.ExternalResolution = &merge.ExternalResolution{}
		if err := json.Unmarshal(row.ExternalResolution, rec.ExternalResolution); err != nil {
			return nil, fmt.Errorf("decode external resolution: %w", err)
		}
	}
	return rec, nil
}

func errUnknownCompression(algo CompressionAlgo) error {
	return errors.New("unknown compression algorithm " + string(algo))
}
