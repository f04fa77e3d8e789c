package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fieldforce/internal/core/apperror"
	appctx "fieldforce/internal/core/context"
	"fieldforce/internal/core/id"
	"fieldforce/internal/core/tx"
	"fieldforce/pkg/logger"
)

var tracer = otel.Tracer("fieldforce/merge")

// AuditPolicy controls when the audit record is written.
type AuditPolicy string

const (
	// AuditStrict writes the audit row inside the merge transaction.
	AuditStrict AuditPolicy = "strict"
	// AuditBestEffort writes it after commit and only logs a failure.
	AuditBestEffort AuditPolicy = "best_effort"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ServiceConfig wires the merge service.
type ServiceConfig struct {
	Registry    *Registry
	Store       Store
	Audit       AuditLog
	Events      EventPublisher // optional
	Authorizer  Authorizer
	TxManager   tx.Manager
	// AuditPolicy defaults to AuditStrict: an audit write failure rolls the
	// merge back. AuditBestEffort (MERGE_AUDIT_POLICY=best_effort) commits the
	// merge first and reports a failed audit write as a warning.
	AuditPolicy AuditPolicy
	Clock       func() time.Time
}

// Service orchestrates merges.
type Service struct {
	registry *Registry
	store    Store
	audit    AuditLog
	events   EventPublisher
	authz    Authorizer
	txm      tx.Manager
	policy   AuditPolicy
	now      func() time.Time
}

// NewService creates a merge service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		registry: cfg.Registry,
		store:    cfg.Store,
		audit:    cfg.Audit,
		events:   cfg.Events,
		authz:    cfg.Authorizer,
		txm:      cfg.TxManager,
		policy:   cfg.AuditPolicy,
		now:      cfg.Clock,
	}
	if s.registry == nil {
		s.registry = DefaultRegistry()
	}
	if s.authz == nil {
		s.authz = ClaimsAuthorizer{}
	}
	if s.policy == "" {
		s.policy = AuditStrict
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// plan is a validated request.
type plan struct {
	req      Request
	schema   *Schema
	sourceID id.ID
	targetID id.ID
	actor    *appctx.UserContext
}

// Merge consolidates req.SourceID into req.TargetID.
func (s *Service) Merge(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "merge.Merge", trace.WithAttributes(
		attribute.String("merge.entity_type", string(req.EntityType)),
		attribute.String("merge.source_id", req.SourceID),
		attribute.String("merge.target_id", req.TargetID),
	))
	defer span.End()

	p, err := s.prepare(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	logger.Info(ctx, "merge started",
		"entity_type", p.schema.Type,
		"source_id", p.sourceID,
		"target_id", p.targetID,
	)

	var record *AuditRecord
	err = s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.execute(ctx, p)
		return err
	})
	if err != nil {
		err = s.failure(ctx, p, err)
		recordSpanError(span, err)
		return nil, err
	}

	result := &Result{Success: true, RecordsUpdated: record.RecordsUpdated}
	if s.policy == AuditStrict {
		result.AuditID = record.ID.String()
	} else if err := s.audit.Append(ctx, record); err != nil {
		logger.Error(ctx, "merge committed without audit record",
			"code", apperror.CodeAuditWrite,
			"entity_type", p.schema.Type,
			"source_id", p.sourceID,
			"target_id", p.targetID,
			"error", apperror.NewAuditWrite(err),
		)
		result.AuditWarning = "merge committed but the audit record could not be written"
	} else {
		result.AuditID = record.ID.String()
	}

	span.SetAttributes(attribute.Int64("merge.records_updated", total(result.RecordsUpdated)))
	logger.Info(ctx, "merge completed",
		"entity_type", p.schema.Type,
		"source_id", p.sourceID,
		"target_id", p.targetID,
		"audit_id", result.AuditID,
		"records_updated", result.RecordsUpdated,
	)
	return result, nil
}

// execute runs inside the merge transaction and returns the audit record.
func (s *Service) execute(ctx context.Context, p *plan) (*AuditRecord, error) {
	schema := p.schema

	first, second := id.Ordered(p.sourceID, p.targetID)
	if err := s.store.Lock(ctx, schema, first, second); err != nil {
		return nil, fmt.Errorf("lock %s pair: %w", schema.Label, err)
	}

	source, target, err := s.loadPair(ctx, p, true)
	if err != nil {
		return nil, err
	}
	if err := checkUnmerged(p, source, target); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	resolution, err := Resolve(schema, source.Fields, target.Fields, p.req.FieldResolutions, now)
	if err != nil {
		return nil, err
	}
	kept, clearSource := ApplyExternal(schema, source.Fields, &resolution, p.req.ExternalResolution)

	// The source must give up its external id before the target takes it.
	if clearSource {
		if err := s.store.UpdateFields(ctx, schema, p.sourceID, Record{schema.ExternalIDColumn: nil}); err != nil {
			return nil, fmt.Errorf("clear source external id: %w", err)
		}
	}
	if err := s.store.UpdateFields(ctx, schema, p.targetID, resolution.Changes); err != nil {
		return nil, fmt.Errorf("update target: %w", err)
	}

	counts, err := s.store.Repoint(ctx, schema, p.sourceID, p.targetID, schema.DisplayName(resolution.Merged))
	if err != nil {
		return nil, fmt.Errorf("repoint dependents: %w", err)
	}

	err = s.store.Retire(ctx, schema, p.sourceID, p.targetID, Retirement{
		MergedBy: p.actor.UserID,
		Reason:   p.req.Reason,
		At:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("retire source: %w", err)
	}

	merged, err := json.Marshal(resolution.Merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged snapshot: %w", err)
	}

	record := &AuditRecord{
		ID:                 id.New(),
		EntityType:         schema.Type,
		SourceID:           p.sourceID,
		TargetID:           p.targetID,
		SourceSnapshot:     source.Raw,
		TargetSnapshot:     target.Raw,
		MergedSnapshot:     merged,
		FieldResolutions:   p.req.FieldResolutions,
		RecordsUpdated:     counts,
		ExternalResolution: p.req.ExternalResolution,
		MergedBy:           p.actor.UserID,
		MergedByContact:    p.actor.Contact(),
		Notes:              p.req.Notes,
		CreatedAt:          now,
	}
	if record.FieldResolutions == nil {
		record.FieldResolutions = map[string]Choice{}
	}

	if s.policy == AuditStrict {
		if err := s.audit.Append(ctx, record); err != nil {
			return nil, fmt.Errorf("write audit record: %w", err)
		}
	}

	if schema.SyncOnMerge && s.events != nil {
		s.publishSync(ctx, p, record, kept)
	}

	return record, nil
}

func (s *Service) publishSync(ctx context.Context, p *plan, record *AuditRecord, kept any) {
	ev := VendorMergedEvent{
		SourceID:       p.sourceID,
		TargetID:       p.targetID,
		KeepSourceQB:   p.req.ExternalResolution != nil && p.req.ExternalResolution.KeepSourceQB,
		MergedAt:       record.CreatedAt,
		MergedBy:       record.MergedBy,
		RecordsUpdated: total(record.RecordsUpdated),
	}
	if kept != nil {
		ev.QuickBooksID = String(kept)
	}
	if s.policy == AuditStrict {
		ev.AuditID = record.ID.String()
	}
	if err := s.events.PublishVendorMerged(ctx, ev); err != nil {
		logger.Warn(ctx, "accounting sync event not enqueued",
			"source_id", p.sourceID,
			"target_id", p.targetID,
			"error", err,
		)
	}
}

// Preview resolves a merge without writing anything.
func (s *Service) Preview(ctx context.Context, req Request) (*Preview, error) {
	ctx, span := tracer.Start(ctx, "merge.Preview", trace.WithAttributes(
		attribute.String("merge.entity_type", string(req.EntityType)),
		attribute.String("merge.source_id", req.SourceID),
		attribute.String("merge.target_id", req.TargetID),
	))
	defer span.End()

	p, err := s.prepare(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	var preview *Preview
	err = s.txm.ReadOnly(ctx, func(ctx context.Context) error {
		source, target, err := s.loadPair(ctx, p, false)
		if err != nil {
			return err
		}
		if err := checkUnmerged(p, source, target); err != nil {
			return err
		}

		resolution, err := Resolve(p.schema, source.Fields, target.Fields, req.FieldResolutions, s.now().UTC())
		if err != nil {
			return err
		}
		kept, _ := ApplyExternal(p.schema, source.Fields, &resolution, req.ExternalResolution)

		counts, err := s.store.CountDependents(ctx, p.schema, p.sourceID)
		if err != nil {
			return fmt.Errorf("count dependents: %w", err)
		}

		preview = &Preview{
			EntityType:     p.schema.Type,
			Source:         source.Fields,
			Target:         target.Fields,
			Merged:         resolution.Merged,
			Fields:         DiffFields(p.schema, source.Fields, target.Fields, req.FieldResolutions),
			RecordsToMove:  counts,
			MergedName:     p.schema.DisplayName(resolution.Merged),
			ExternalIDKept: kept,
		}
		return nil
	})
	if err != nil {
		err = asServiceError(err)
		recordSpanError(span, err)
		return nil, err
	}
	return preview, nil
}

// AuditRecord returns one audit record by id.
func (s *Service) AuditRecord(ctx context.Context, auditID string) (*AuditRecord, error) {
	if _, err := s.authorize(ctx); err != nil {
		return nil, err
	}
	aid, err := parseID("auditId", auditID)
	if err != nil {
		return nil, err
	}
	rec, err := s.audit.Get(ctx, aid)
	if err != nil {
		return nil, asServiceError(err)
	}
	return rec, nil
}

// History lists the merges an entity took part in, newest first.
// A limit <= 0 returns 50 records; limits above 500 are capped.
func (s *Service) History(ctx context.Context, entityType EntityType, entityID string, limit int) ([]AuditRecord, error) {
	if _, err := s.authorize(ctx); err != nil {
		return nil, err
	}
	schema, err := s.registry.Get(entityType)
	if err != nil {
		return nil, err
	}
	eid, err := parseID("entityId", entityID)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	records, err := s.audit.ListForEntity(ctx, schema.Type, eid, limit)
	if err != nil {
		return nil, asServiceError(err)
	}
	return records, nil
}

// prepare checks the caller and the request shape. Nothing here reads rows.
func (s *Service) prepare(ctx context.Context, req Request) (*plan, error) {
	actor, err := s.authorize(ctx)
	if err != nil {
		return nil, err
	}

	schema, err := s.registry.Get(req.EntityType)
	if err != nil {
		return nil, err
	}
	sourceID, err := parseID("sourceId", req.SourceID)
	if err != nil {
		return nil, err
	}
	targetID, err := parseID("targetId", req.TargetID)
	if err != nil {
		return nil, err
	}
	if sourceID == targetID {
		return nil, apperror.NewValidation("cannot merge a record with itself").
			WithDetail("sourceId", req.SourceID)
	}
	if err := ValidateResolutions(schema, req.FieldResolutions); err != nil {
		return nil, err
	}

	return &plan{
		req:      req,
		schema:   schema,
		sourceID: sourceID,
		targetID: targetID,
		actor:    actor,
	}, nil
}

func (s *Service) authorize(ctx context.Context) (*appctx.UserContext, error) {
	user := appctx.GetUser(ctx)
	if user == nil || user.UserID == "" {
		return nil, apperror.NewUnauthorized("authentication required")
	}
	ok, err := s.authz.IsAdmin(ctx, user)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("resolve roles: %w", err))
	}
	if !ok {
		return nil, apperror.NewForbidden("administrator role required to merge records")
	}
	return user, nil
}

func (s *Service) loadPair(ctx context.Context, p *plan, forUpdate bool) (source, target Snapshot, err error) {
	source, err = s.load(ctx, p.schema, "source", p.sourceID, forUpdate)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	target, err = s.load(ctx, p.schema, "target", p.targetID, forUpdate)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	return source, target, nil
}

func (s *Service) load(ctx context.Context, schema *Schema, side string, entityID id.ID, forUpdate bool) (Snapshot, error) {
	snap, err := s.store.Load(ctx, schema, entityID, forUpdate)
	if errors.Is(err, ErrRowNotFound) {
		e := apperror.NewNotFound(schema.Label, entityID.String()).WithDetail("side", side)
		e.Message = fmt.Sprintf("%s %s not found", side, schema.Label)
		return Snapshot{}, e
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s %s: %w", side, schema.Label, err)
	}
	return snap, nil
}

func checkUnmerged(p *plan, source, target Snapshot) error {
	if source.Fields.IsMerged() {
		return apperror.NewInvalidState(fmt.Sprintf("source %s has already been merged", p.schema.Label)).
			WithDetail("sourceId", p.sourceID.String()).
			WithDetail("mergedIntoId", source.Fields[FieldMergedIntoID])
	}
	if target.Fields.IsMerged() {
		return apperror.NewInvalidState(fmt.Sprintf("target %s has already been merged", p.schema.Label)).
			WithDetail("targetId", p.targetID.String()).
			WithDetail("mergedIntoId", target.Fields[FieldMergedIntoID])
	}
	return nil
}

// failure maps a transaction error to what the caller sees and logs it.
func (s *Service) failure(ctx context.Context, p *plan, err error) error {
	out := asServiceError(err)
	if apperror.HasCode(out, apperror.CodePersistence) {
		logger.Error(ctx, "merge rolled back",
			"entity_type", p.schema.Type,
			"source_id", p.sourceID,
			"target_id", p.targetID,
			"error", err,
		)
	} else {
		logger.Warn(ctx, "merge rejected",
			"entity_type", p.schema.Type,
			"source_id", p.sourceID,
			"target_id", p.targetID,
			"error", out,
		)
	}
	return out
}

// asServiceError keeps AppErrors and reports anything else as a persistence failure.
func asServiceError(err error) error {
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr
	}
	return apperror.NewPersistence(err)
}

func parseID(field, raw string) (id.ID, error) {
	v, err := id.Parse(raw)
	if err != nil || id.IsNil(v) {
		return id.ID{}, apperror.NewValidation(field + " must be a valid UUID").
			WithDetail(field, raw)
	}
	return v, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func total(counts map[string]int64) int64 {
	var n int64
	for _, c := range counts {
		n += c
	}
	return n
}
