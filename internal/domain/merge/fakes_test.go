package merge

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	appctx "fieldforce/internal/core/context"
	"fieldforce/internal/core/id"
)

// memDB is an in-memory stand-in for the database. Transactions snapshot
// the whole state and restore it on rollback.
type memDB struct {
	mu sync.Mutex

	rows   map[EntityType]map[id.ID]Record
	deps   map[string]map[int]*depRow // "<table>.<fk>" -> row number -> row
	audit  []AuditRecord
	events []VendorMergedEvent

	locks    []id.ID
	listed   []int // limits passed to ListForEntity
	rowLocks map[id.ID]*sync.Mutex

	failOn     string
	auditErr   error
	eventErr   error
	commits    int
	rollbacks  int
	readOnlyTx int
}

type depRow struct {
	FK   id.ID
	Name string
}

func newMemDB() *memDB {
	return &memDB{
		rows: map[EntityType]map[id.ID]Record{},
		deps: map[string]map[int]*depRow{},
	}
}

func depKey(d Dependent) string { return d.Table + "." + d.ForeignKey }

func (db *memDB) put(t EntityType, entityID id.ID, r Record) {
	if db.rows[t] == nil {
		db.rows[t] = map[id.ID]Record{}
	}
	r = r.Clone()
	r[FieldID] = entityID.String()
	if _, ok := r[FieldMergedIntoID]; !ok {
		r[FieldMergedIntoID] = nil
	}
	db.rows[t][entityID] = r
}

func (db *memDB) addDependents(d Dependent, fk id.ID, n int) {
	key := depKey(d)
	if db.deps[key] == nil {
		db.deps[key] = map[int]*depRow{}
	}
	for i := 0; i < n; i++ {
		db.deps[key][len(db.deps[key])] = &depRow{FK: fk, Name: "old"}
	}
}

func (db *memDB) dependents(d Dependent, fk id.ID) (count int, names []string) {
	for _, row := range db.deps[depKey(d)] {
		if row.FK == fk {
			count++
			names = append(names, row.Name)
		}
	}
	return count, names
}

func (db *memDB) row(t EntityType, entityID id.ID) Record {
	return db.rows[t][entityID]
}

type memState struct {
	rows   map[EntityType]map[id.ID]Record
	deps   map[string]map[int]*depRow
	audit  []AuditRecord
	events []VendorMergedEvent
}

func (db *memDB) save() memState {
	s := memState{
		rows:   map[EntityType]map[id.ID]Record{},
		deps:   map[string]map[int]*depRow{},
		audit:  append([]AuditRecord(nil), db.audit...),
		events: append([]VendorMergedEvent(nil), db.events...),
	}
	for t, rows := range db.rows {
		s.rows[t] = map[id.ID]Record{}
		for k, r := range rows {
			s.rows[t][k] = r.Clone()
		}
	}
	for k, rows := range db.deps {
		s.deps[k] = map[int]*depRow{}
		for n, r := range rows {
			cp := *r
			s.deps[k][n] = &cp
		}
	}
	return s
}

func (db *memDB) restore(s memState) {
	db.rows, db.deps, db.audit, db.events = s.rows, s.deps, s.audit, s.events
}

// --- tx.Manager ---

type txStateKey struct{}

// memTxState tracks what one transaction holds. The state is saved when the
// first row lock is taken, so a rollback never undoes a transaction that
// committed while this one waited.
type memTxState struct {
	saved *memState
	held  []*sync.Mutex
}

func (st *memTxState) release() {
	for i := len(st.held) - 1; i >= 0; i-- {
		st.held[i].Unlock()
	}
	st.held = nil
}

type memTx struct{ db *memDB }

func (m memTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	st := &memTxState{}
	defer st.release()

	if err := fn(context.WithValue(ctx, txStateKey{}, st)); err != nil {
		m.db.mu.Lock()
		if st.saved != nil {
			m.db.restore(*st.saved)
		}
		m.db.rollbacks++
		m.db.mu.Unlock()
		return err
	}
	m.db.mu.Lock()
	m.db.commits++
	m.db.mu.Unlock()
	return nil
}

func (m memTx) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	m.db.mu.Lock()
	m.db.readOnlyTx++
	m.db.mu.Unlock()
	return fn(ctx)
}

// --- Store ---

type memStore struct{ db *memDB }

var errInjected = errors.New("injected failure")

func (db *memDB) rowLock(entityID id.ID) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.rowLocks == nil {
		db.rowLocks = map[id.ID]*sync.Mutex{}
	}
	l, ok := db.rowLocks[entityID]
	if !ok {
		l = &sync.Mutex{}
		db.rowLocks[entityID] = l
	}
	return l
}

// Lock blocks until every id is free, then holds them until the transaction ends.
func (s memStore) Lock(ctx context.Context, _ *Schema, ids ...id.ID) error {
	st, _ := ctx.Value(txStateKey{}).(*memTxState)
	for _, entityID := range ids {
		l := s.db.rowLock(entityID)
		l.Lock()
		if st != nil {
			st.held = append(st.held, l)
		} else {
			l.Unlock()
		}
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.locks = append(s.db.locks, ids...)
	if st != nil && st.saved == nil {
		saved := s.db.save()
		st.saved = &saved
	}
	return nil
}

func (s memStore) Load(_ context.Context, schema *Schema, entityID id.ID, _ bool) (Snapshot, error) {
	s.db.mu.Lock()
	r, ok := s.db.rows[schema.Type][entityID]
	var raw []byte
	var err error
	if ok {
		raw, err = json.Marshal(r)
	}
	s.db.mu.Unlock()

	if !ok {
		return Snapshot{}, ErrRowNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	return DecodeSnapshot(raw)
}

func (s memStore) UpdateFields(_ context.Context, schema *Schema, entityID id.ID, fields Record) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.failOn == "update" {
		return errInjected
	}
	r := s.db.rows[schema.Type][entityID]
	for k, v := range fields {
		r[k] = v
	}
	return nil
}

func (s memStore) Repoint(_ context.Context, schema *Schema, sourceID, targetID id.ID, name string) (map[string]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make(map[string]int64, len(schema.Dependents))
	for _, d := range schema.Dependents {
		var n int64
		for _, row := range s.db.deps[depKey(d)] {
			if row.FK == sourceID {
				row.FK = targetID
				if d.NameColumn != "" {
					row.Name = name
				}
				n++
			}
		}
		out[d.Key()] = n
	}
	if s.db.failOn == "repoint" {
		return nil, errInjected
	}
	return out, nil
}

func (s memStore) CountDependents(_ context.Context, schema *Schema, entityID id.ID) (map[string]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make(map[string]int64, len(schema.Dependents))
	for _, d := range schema.Dependents {
		n, _ := s.db.dependents(d, entityID)
		out[d.Key()] = int64(n)
	}
	return out, nil
}

func (s memStore) Retire(_ context.Context, schema *Schema, sourceID, targetID id.ID, r Retirement) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.failOn == "retire" {
		return errInjected
	}
	row := s.db.rows[schema.Type][sourceID]
	for k, v := range schema.Inactive {
		row[k] = v
	}
	row[FieldMergedIntoID] = targetID.String()
	row[FieldMergedAt] = r.At
	row[FieldMergedBy] = r.MergedBy
	if r.Reason != nil {
		row[FieldMergeReason] = *r.Reason
	}
	return nil
}

// --- AuditLog ---

type memAudit struct{ db *memDB }

func (a memAudit) Append(_ context.Context, rec *AuditRecord) error {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	if a.db.auditErr != nil {
		return a.db.auditErr
	}
	a.db.audit = append(a.db.audit, *rec)
	return nil
}

func (a memAudit) Get(_ context.Context, auditID id.ID) (*AuditRecord, error) {
	for i := range a.db.audit {
		if a.db.audit[i].ID == auditID {
			rec := a.db.audit[i]
			return &rec, nil
		}
	}
	return nil, errors.New("audit record not found")
}

func (a memAudit) ListForEntity(_ context.Context, t EntityType, entityID id.ID, limit int) ([]AuditRecord, error) {
	a.db.listed = append(a.db.listed, limit)
	var out []AuditRecord
	for _, rec := range a.db.audit {
		if rec.EntityType == t && (rec.SourceID == entityID || rec.TargetID == entityID) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- EventPublisher ---

type memEvents struct{ db *memDB }

func (e memEvents) PublishVendorMerged(_ context.Context, ev VendorMergedEvent) error {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	if e.db.eventErr != nil {
		return e.db.eventErr
	}
	e.db.events = append(e.db.events, ev)
	return nil
}

// --- helpers ---

func adminCtx() context.Context {
	return appctx.WithUser(context.Background(), &appctx.UserContext{
		UserID: "user-admin",
		Email:  "admin@example.com",
		Roles:  []string{appctx.RoleAdmin},
	})
}

func userCtx(roles ...string) context.Context {
	return appctx.WithUser(context.Background(), &appctx.UserContext{
		UserID: "user-plain",
		Email:  "plain@example.com",
		Roles:  roles,
	})
}
