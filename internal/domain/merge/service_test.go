package merge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldforce/internal/core/apperror"
	appctx "fieldforce/internal/core/context"
	"fieldforce/internal/core/id"
)

var fixedNow = time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

// Ids chosen so that sourceA sorts after targetB.
var (
	sourceA = id.MustParse("f0000000-0000-7000-8000-00000000000a")
	targetB = id.MustParse("10000000-0000-7000-8000-00000000000b")
)

func newTestService(db *memDB, policy AuditPolicy) *Service {
	return NewService(ServiceConfig{
		Store:       memStore{db},
		Audit:       memAudit{db},
		Events:      memEvents{db},
		TxManager:   memTx{db},
		AuditPolicy: policy,
		Clock:       func() time.Time { return fixedNow },
	})
}

func seedCustomers(db *memDB) {
	db.put(EntityCustomer, sourceA, Record{"name": "Acme Inc", "email": "old@acme.com", "phone": "555-0100"})
	db.put(EntityCustomer, targetB, Record{"name": "Acme", "email": "new@acme.com", "phone": "555-0200"})

	schema := CustomerSchema()
	db.addDependents(schema.Dependents[0], sourceA, 3) // projects
	db.addDependents(schema.Dependents[2], sourceA, 2) // invoices
	db.addDependents(schema.Dependents[2], targetB, 1)
}

func customerRequest() Request {
	return Request{
		EntityType:       EntityCustomer,
		SourceID:         sourceA.String(),
		TargetID:         targetB.String(),
		FieldResolutions: map[string]Choice{"email": ChoiceSource},
	}
}

func TestService_Merge_Customer(t *testing.T) {
	db := newMemDB()
	seedCustomers(db)
	svc := newTestService(db, AuditStrict)

	res, err := svc.Merge(adminCtx(), customerRequest())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.AuditWarning)
	assert.Equal(t, map[string]int64{
		"projects":         3,
		"estimates":        0,
		"invoices":         2,
		"job_orders":       0,
		"change_orders":    0,
		"activities":       0,
		"appointments":     0,
		"insurance_claims": 0,
	}, res.RecordsUpdated)

	target := db.row(EntityCustomer, targetB)
	assert.Equal(t, "Acme", target["name"])
	assert.Equal(t, "old@acme.com", target["email"])
	assert.Equal(t, "555-0200", target["phone"])
	assert.Equal(t, fixedNow, target[FieldUpdatedAt])

	source := db.row(EntityCustomer, sourceA)
	assert.Equal(t, targetB.String(), source[FieldMergedIntoID])
	assert.Equal(t, "user-admin", source[FieldMergedBy])
	assert.Equal(t, fixedNow, source[FieldMergedAt])

	schema := CustomerSchema()
	n, _ := db.dependents(schema.Dependents[0], sourceA)
	assert.Zero(t, n)
	n, names := db.dependents(schema.Dependents[0], targetB)
	assert.Equal(t, 3, n)
	for _, name := range names {
		assert.Equal(t, "Acme", name)
	}
	n, _ = db.dependents(schema.Dependents[2], targetB)
	assert.Equal(t, 3, n)

	require.Len(t, db.audit, 1)
	rec := db.audit[0]
	assert.Equal(t, res.AuditID, rec.ID.String())
	assert.Equal(t, EntityCustomer, rec.EntityType)
	assert.Equal(t, sourceA, rec.SourceID)
	assert.Equal(t, targetB, rec.TargetID)
	assert.Equal(t, "admin@example.com", rec.MergedByContact)
	assert.Equal(t, res.RecordsUpdated, rec.RecordsUpdated)
	assert.Equal(t, map[string]Choice{"email": ChoiceSource}, rec.FieldResolutions)

	var before Record
	require.NoError(t, json.Unmarshal(rec.SourceSnapshot, &before))
	assert.Equal(t, "Acme Inc", before["name"])
	assert.Nil(t, before[FieldMergedIntoID])

	var merged Record
	require.NoError(t, json.Unmarshal(rec.MergedSnapshot, &merged))
	assert.Equal(t, "old@acme.com", merged["email"])
	assert.NotContains(t, merged, FieldID)
	assert.NotContains(t, merged, FieldMergedIntoID)

	assert.Equal(t, 1, db.commits)
	assert.Empty(t, db.events, "customer merges do not sync")
}

func TestService_Merge_LocksInLexicographicOrder(t *testing.T) {
	db := newMemDB()
	seedCustomers(db)
	svc := newTestService(db, AuditStrict)

	_, err := svc.Merge(adminCtx(), customerRequest())
	require.NoError(t, err)

	require.Len(t, db.locks, 2)
	assert.Equal(t, targetB, db.locks[0])
	assert.Equal(t, sourceA, db.locks[1])
}

func TestService_Merge_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		mutate func(*Request)
		code   string
		status int
	}{
		{
			name:   "no actor",
			ctx:    context.Background(),
			code:   apperror.CodeUnauthorized,
			status: 401,
		},
		{
			name:   "not admin",
			ctx:    userCtx("dispatcher"),
			code:   apperror.CodeForbidden,
			status: 403,
		},
		{
			name:   "self merge",
			ctx:    adminCtx(),
			mutate: func(r *Request) { r.TargetID = r.SourceID },
			code:   apperror.CodeValidation,
			status: 400,
		},
		{
			name:   "unknown entity type",
			ctx:    adminCtx(),
			mutate: func(r *Request) { r.EntityType = "supplier" },
			code:   apperror.CodeValidation,
			status: 400,
		},
		{
			name:   "malformed source id",
			ctx:    adminCtx(),
			mutate: func(r *Request) { r.SourceID = "not-a-uuid" },
			code:   apperror.CodeValidation,
			status: 400,
		},
		{
			name:   "field outside allowlist",
			ctx:    adminCtx(),
			mutate: func(r *Request) { r.FieldResolutions = map[string]Choice{"password_hash": ChoiceSource} },
			code:   apperror.CodeValidation,
			status: 400,
		},
		{
			name:   "system field",
			ctx:    adminCtx(),
			mutate: func(r *Request) { r.FieldResolutions = map[string]Choice{FieldMergedIntoID: ChoiceSource} },
			code:   apperror.CodeValidation,
			status: 400,
		},
		{
			name:   "bad choice",
			ctx:    adminCtx(),
			mutate: func(r *Request) { r.FieldResolutions = map[string]Choice{"email": "both"} },
			code:   apperror.CodeValidation,
			status: 400,
		},
		{
			name:   "missing source",
			ctx:    adminCtx(),
			mutate: func(r *Request) { r.SourceID = id.New().String() },
			code:   apperror.CodeNotFound,
			status: 404,
		},
		{
			name:   "missing target",
			ctx:    adminCtx(),
			mutate: func(r *Request) { r.TargetID = id.New().String() },
			code:   apperror.CodeNotFound,
			status: 404,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newMemDB()
			seedCustomers(db)
			svc := newTestService(db, AuditStrict)

			req := customerRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			res, err := svc.Merge(tt.ctx, req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, apperror.HasCode(err, tt.code), "got %v", err)
			assert.Equal(t, tt.status, apperror.GetHTTPStatus(err))

			assert.Nil(t, db.row(EntityCustomer, sourceA)[FieldMergedIntoID])
			assert.Equal(t, "new@acme.com", db.row(EntityCustomer, targetB)["email"])
			assert.Empty(t, db.audit)
			assert.Zero(t, db.commits)
		})
	}
}

func TestService_Merge_NotFoundNamesSide(t *testing.T) {
	db := newMemDB()
	seedCustomers(db)
	svc := newTestService(db, AuditStrict)

	missing := id.New()
	req := customerRequest()
	req.TargetID = missing.String()

	_, err := svc.Merge(adminCtx(), req)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "target", appErr.Details["side"])
	assert.Equal(t, missing.String(), appErr.Details["id"])
	assert.Equal(t, "target customer not found", appErr.Message)
}

func TestService_Merge_AlreadyMerged(t *testing.T) {
	third := id.New()

	tests := []struct {
		name   string
		merged id.ID
	}{
		{name: "source already merged", merged: sourceA},
		{name: "target already merged", merged: targetB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newMemDB()
			seedCustomers(db)
			db.row(EntityCustomer, tt.merged)[FieldMergedIntoID] = third.String()
			svc := newTestService(db, AuditStrict)

			_, err := svc.Merge(adminCtx(), customerRequest())
			require.Error(t, err)
			assert.True(t, apperror.IsInvalidState(err))
			assert.Equal(t, 400, apperror.GetHTTPStatus(err))
			assert.Equal(t, 1, db.rollbacks)
			assert.Empty(t, db.audit)
		})
	}
}

func TestService_Merge_SecondMergeOfSameSourceFails(t *testing.T) {
	db := newMemDB()
	seedCustomers(db)
	other := id.New()
	db.put(EntityCustomer, other, Record{"name": "Acme Holdings"})
	svc := newTestService(db, AuditStrict)

	_, err := svc.Merge(adminCtx(), customerRequest())
	require.NoError(t, err)

	req := customerRequest()
	req.TargetID = other.String()
	_, err = svc.Merge(adminCtx(), req)
	require.Error(t, err)
	assert.True(t, apperror.IsInvalidState(err))
	assert.Len(t, db.audit, 1)
}

func TestService_Merge_ConcurrentMergesSerialize(t *testing.T) {
	thirdC := id.MustParse("80000000-0000-7000-8000-00000000000c")

	tests := []struct {
		name  string
		pairs [2][2]id.ID
		check func(t *testing.T, errs []error)
	}{
		{
			// B to C always succeeds. A to B succeeds only when it ran first.
			name:  "chain A to B and B to C",
			pairs: [2][2]id.ID{{sourceA, targetB}, {targetB, thirdC}},
			check: func(t *testing.T, errs []error) {
				require.NoError(t, errs[1])
				if errs[0] != nil {
					assert.True(t, apperror.IsInvalidState(errs[0]), errs[0])
				}
			},
		},
		{
			name:  "opposite directions",
			pairs: [2][2]id.ID{{sourceA, targetB}, {targetB, sourceA}},
			check: func(t *testing.T, errs []error) {
				var ok, invalid int
				for _, err := range errs {
					switch {
					case err == nil:
						ok++
					case apperror.IsInvalidState(err):
						invalid++
					}
				}
				assert.Equal(t, 1, ok)
				assert.Equal(t, 1, invalid)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for round := 0; round < 25; round++ {
				db := newMemDB()
				seedCustomers(db)
				db.put(EntityCustomer, thirdC, Record{"name": "Acme Group"})
				svc := newTestService(db, AuditStrict)

				start := make(chan struct{})
				errs := make([]error, 2)
				var wg sync.WaitGroup
				for i, pair := range tt.pairs {
					wg.Add(1)
					go func(i int, source, target id.ID) {
						defer wg.Done()
						<-start
						_, errs[i] = svc.Merge(adminCtx(), Request{
							EntityType: EntityCustomer,
							SourceID:   source.String(),
							TargetID:   target.String(),
						})
					}(i, pair[0], pair[1])
				}
				close(start)
				wg.Wait()

				tt.check(t, errs)

				var succeeded int
				for _, err := range errs {
					if err == nil {
						succeeded++
					}
				}
				assert.Len(t, db.audit, succeeded)
				assert.Equal(t, succeeded, db.commits)
				assert.Equal(t, 2-succeeded, db.rollbacks)

				// No dependent may be left on a retired customer.
				for _, d := range CustomerSchema().Dependents {
					for _, retired := range []id.ID{sourceA, targetB, thirdC} {
						if db.row(EntityCustomer, retired)[FieldMergedIntoID] == nil {
							continue
						}
						n, _ := db.dependents(d, retired)
						assert.Zero(t, n, "%s still points at retired %s", d.Key(), retired)
					}
				}
			}
		})
	}
}

func TestService_Merge_RollsBackOnStoreFailure(t *testing.T) {
	for _, step := range []string{"update", "repoint", "retire"} {
		t.Run(step, func(t *testing.T) {
			db := newMemDB()
			seedCustomers(db)
			db.failOn = step
			svc := newTestService(db, AuditStrict)

			_, err := svc.Merge(adminCtx(), customerRequest())
			require.Error(t, err)
			assert.True(t, apperror.HasCode(err, apperror.CodePersistence))
			assert.Equal(t, 500, apperror.GetHTTPStatus(err))
			assert.ErrorIs(t, err, errInjected)

			assert.Equal(t, 1, db.rollbacks)
			assert.Equal(t, "new@acme.com", db.row(EntityCustomer, targetB)["email"])
			assert.Nil(t, db.row(EntityCustomer, sourceA)[FieldMergedIntoID])
			n, _ := db.dependents(CustomerSchema().Dependents[0], sourceA)
			assert.Equal(t, 3, n)
			assert.Empty(t, db.audit)
		})
	}
}

func TestService_Merge_StrictAuditFailureRollsBack(t *testing.T) {
	db := newMemDB()
	seedCustomers(db)
	db.auditErr = errors.New("audit table unavailable")
	svc := newTestService(db, AuditStrict)

	_, err := svc.Merge(adminCtx(), customerRequest())
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodePersistence))
	assert.Nil(t, db.row(EntityCustomer, sourceA)[FieldMergedIntoID])
	assert.Equal(t, 1, db.rollbacks)
}

func TestService_Merge_BestEffortAudit(t *testing.T) {
	t.Run("written after commit", func(t *testing.T) {
		db := newMemDB()
		seedCustomers(db)
		svc := newTestService(db, AuditBestEffort)

		res, err := svc.Merge(adminCtx(), customerRequest())
		require.NoError(t, err)
		require.Len(t, db.audit, 1)
		assert.Equal(t, db.audit[0].ID.String(), res.AuditID)
		assert.Empty(t, res.AuditWarning)
	})

	t.Run("failure keeps the merge", func(t *testing.T) {
		db := newMemDB()
		seedCustomers(db)
		db.auditErr = errors.New("audit table unavailable")
		svc := newTestService(db, AuditBestEffort)

		res, err := svc.Merge(adminCtx(), customerRequest())
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, res.AuditID)
		assert.NotEmpty(t, res.AuditWarning)
		assert.Equal(t, targetB.String(), db.row(EntityCustomer, sourceA)[FieldMergedIntoID])
		assert.Equal(t, 1, db.commits)
	})
}

func TestService_Merge_VendorSync(t *testing.T) {
	srcVendor, tgtVendor := id.New(), id.New()
	worker := id.New()

	seed := func(db *memDB) {
		db.put(EntityVendor, srcVendor, Record{"name": "Lumber Co", "qb_vendor_id": "QB-1", "is_active": true})
		db.put(EntityVendor, tgtVendor, Record{"name": "Lumber Company", "qb_vendor_id": "QB-2", "is_active": true})
		db.put(EntityPersonnel, worker, Record{"first_name": "Ana"})
		schema := VendorSchema()
		db.addDependents(schema.Dependents[0], srcVendor, 2) // purchase_orders
		db.addDependents(schema.Dependents[3], srcVendor, 1) // personnel.linked_vendor_id
	}
	request := func(keep bool) Request {
		return Request{
			EntityType:         EntityVendor,
			SourceID:           srcVendor.String(),
			TargetID:           tgtVendor.String(),
			ExternalResolution: &ExternalResolution{KeepSourceQB: keep},
		}
	}

	t.Run("keep source accounting id", func(t *testing.T) {
		db := newMemDB()
		seed(db)
		svc := newTestService(db, AuditStrict)

		res, err := svc.Merge(adminCtx(), request(true))
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.RecordsUpdated["purchase_orders"])
		assert.Equal(t, int64(1), res.RecordsUpdated["personnel"])

		assert.Equal(t, "QB-1", db.row(EntityVendor, tgtVendor)["qb_vendor_id"])
		assert.Nil(t, db.row(EntityVendor, srcVendor)["qb_vendor_id"])
		assert.Equal(t, false, db.row(EntityVendor, srcVendor)["is_active"])

		require.Len(t, db.events, 1)
		ev := db.events[0]
		assert.Equal(t, "QB-1", ev.QuickBooksID)
		assert.True(t, ev.KeepSourceQB)
		assert.Equal(t, res.AuditID, ev.AuditID)
		assert.Equal(t, int64(3), ev.RecordsUpdated)

		require.Len(t, db.audit, 1)
		require.NotNil(t, db.audit[0].ExternalResolution)
		assert.True(t, db.audit[0].ExternalResolution.KeepSourceQB)
	})

	t.Run("keep target accounting id", func(t *testing.T) {
		db := newMemDB()
		seed(db)
		svc := newTestService(db, AuditStrict)

		_, err := svc.Merge(adminCtx(), request(false))
		require.NoError(t, err)
		assert.Equal(t, "QB-2", db.row(EntityVendor, tgtVendor)["qb_vendor_id"])
		assert.Equal(t, "QB-1", db.row(EntityVendor, srcVendor)["qb_vendor_id"])
		require.Len(t, db.events, 1)
		assert.Equal(t, "QB-2", db.events[0].QuickBooksID)
	})

	t.Run("sync failure does not fail the merge", func(t *testing.T) {
		db := newMemDB()
		seed(db)
		db.eventErr = errors.New("outbox unavailable")
		svc := newTestService(db, AuditStrict)

		res, err := svc.Merge(adminCtx(), request(false))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, db.events)
		assert.Equal(t, 1, db.commits)
	})
}

func TestService_Merge_PersonnelStatus(t *testing.T) {
	db := newMemDB()
	src, tgt := id.New(), id.New()
	db.put(EntityPersonnel, src, Record{"first_name": "Jon", "last_name": "Smith", "hourly_rate": json.Number("42.50"), "status": "active"})
	db.put(EntityPersonnel, tgt, Record{"first_name": "John", "last_name": "Smith", "hourly_rate": json.Number("40"), "status": "active"})
	schema := PersonnelSchema()
	db.addDependents(schema.Dependents[1], src, 2) // personnel_payments
	svc := newTestService(db, AuditStrict)

	res, err := svc.Merge(adminCtx(), Request{
		EntityType:       EntityPersonnel,
		SourceID:         src.String(),
		TargetID:         tgt.String(),
		FieldResolutions: map[string]Choice{"hourly_rate": ChoiceSource},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RecordsUpdated["personnel_payments"])
	assert.Len(t, res.RecordsUpdated, len(schema.Dependents))

	assert.Equal(t, "inactive", db.row(EntityPersonnel, src)["status"])
	assert.Equal(t, json.Number("42.50"), db.row(EntityPersonnel, tgt)["hourly_rate"])

	_, names := db.dependents(schema.Dependents[1], tgt)
	assert.Equal(t, []string{"John Smith", "John Smith"}, names)
	assert.Empty(t, db.events)
}

func TestService_Merge_DatabaseAuthorizer(t *testing.T) {
	db := newMemDB()
	seedCustomers(db)
	svc := NewService(ServiceConfig{
		Store:      memStore{db},
		Audit:      memAudit{db},
		TxManager:  memTx{db},
		Authorizer: staticAuthorizer{admin: false},
	})

	_, err := svc.Merge(adminCtx(), customerRequest())
	assert.True(t, apperror.HasCode(err, apperror.CodeForbidden))

	svc.authz = staticAuthorizer{err: errors.New("role lookup down")}
	_, err = svc.Merge(adminCtx(), customerRequest())
	assert.True(t, apperror.HasCode(err, apperror.CodeInternal))
}

type staticAuthorizer struct {
	admin bool
	err   error
}

func (a staticAuthorizer) IsAdmin(context.Context, *appctx.UserContext) (bool, error) {
	return a.admin, a.err
}

func TestService_Preview(t *testing.T) {
	db := newMemDB()
	seedCustomers(db)
	svc := newTestService(db, AuditStrict)

	p, err := svc.Preview(adminCtx(), customerRequest())
	require.NoError(t, err)

	assert.Equal(t, EntityCustomer, p.EntityType)
	assert.Equal(t, "old@acme.com", p.Merged["email"])
	assert.Equal(t, "Acme", p.MergedName)
	assert.Equal(t, int64(3), p.RecordsToMove["projects"])
	assert.Equal(t, int64(2), p.RecordsToMove["invoices"])
	assert.Len(t, p.Fields, len(CustomerSchema().Fields))

	for _, f := range p.Fields {
		switch f.Field {
		case "email":
			assert.True(t, f.Differs)
			assert.Equal(t, ChoiceSource, f.Choice)
		case "name":
			assert.True(t, f.Differs)
			assert.Equal(t, ChoiceTarget, f.Choice)
		}
	}

	assert.Equal(t, 1, db.readOnlyTx)
	assert.Zero(t, db.commits)
	assert.Equal(t, "new@acme.com", db.row(EntityCustomer, targetB)["email"])
	assert.Nil(t, db.row(EntityCustomer, sourceA)[FieldMergedIntoID])
	assert.Empty(t, db.audit)
	assert.Empty(t, db.locks)
}

func TestService_Preview_RejectsMergedSource(t *testing.T) {
	db := newMemDB()
	seedCustomers(db)
	db.row(EntityCustomer, sourceA)[FieldMergedIntoID] = id.New().String()
	svc := newTestService(db, AuditStrict)

	_, err := svc.Preview(adminCtx(), customerRequest())
	assert.True(t, apperror.IsInvalidState(err))
}

func TestService_History(t *testing.T) {
	db := newMemDB()
	seedCustomers(db)
	svc := newTestService(db, AuditStrict)

	res, err := svc.Merge(adminCtx(), customerRequest())
	require.NoError(t, err)

	records, err := svc.History(adminCtx(), EntityCustomer, targetB.String(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.AuditID, records[0].ID.String())

	_, err = svc.History(adminCtx(), EntityCustomer, targetB.String(), 9999)
	require.NoError(t, err)
	assert.Equal(t, []int{defaultHistoryLimit, maxHistoryLimit}, db.listed)

	rec, err := svc.AuditRecord(adminCtx(), res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, sourceA, rec.SourceID)

	_, err = svc.History(userCtx(), EntityCustomer, targetB.String(), 10)
	assert.True(t, apperror.HasCode(err, apperror.CodeForbidden))

	_, err = svc.History(adminCtx(), EntityCustomer, "nope", 10)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	_, err = svc.AuditRecord(adminCtx(), "nope")
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}
