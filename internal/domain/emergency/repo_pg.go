package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/edflow/internal/platform/db"
)

// =========== Visit Repository ===========

type visitRepoPG struct{ pool *pgxpool.Pool }

// NewVisitRepoPG stores each visit as a JSONB document next to the columns
// used for filtering, guarded by a version column.
func NewVisitRepoPG(pool *pgxpool.Pool) VisitRepository { return &visitRepoPG{pool: pool} }

func (r *visitRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func scanVisitDoc(row pgx.Row) (*Visit, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var v Visit
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("decode visit document: %w", err)
	}
	v.Version = version
	return &v, nil
}

func (r *visitRepoPG) Create(ctx context.Context, v *Visit) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.Version = 1
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode visit: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO ed_visit (id, patient_id, status, triage_level, arrival_time, doc, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		v.ID, v.PatientID, v.Status, v.TriageLevel, v.ArrivalTime, doc, v.Version)
	return err
}

func (r *visitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := scanVisitDoc(r.conn(ctx).QueryRow(ctx, `SELECT doc, version FROM ed_visit WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("get_visit", ErrVisitNotFound, id)
	}
	return v, err
}

// Update writes the document and any status history entries not yet
// materialized, in one transaction.
func (r *visitRepoPG) Update(ctx context.Context, v *Visit) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		expected := v.Version
		v.Version = expected + 1
		doc, err := json.Marshal(v)
		if err != nil {
			v.Version = expected
			return fmt.Errorf("encode visit: %w", err)
		}
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE ed_visit SET status=$2, triage_level=$3, doc=$4, version=$5, updated_at=NOW()
			WHERE id = $1 AND version = $6`,
			v.ID, v.Status, v.TriageLevel, doc, v.Version, expected)
		if err != nil {
			v.Version = expected
			return err
		}
		if tag.RowsAffected() == 0 {
			v.Version = expected
			var exists bool
			if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ed_visit WHERE id = $1)`, v.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return notFound("update_visit", ErrVisitNotFound, v.ID)
			}
			return newError("update_visit", ErrVersionConflict, "visit %s changed since version %d", v.ID, expected)
		}
		for i, h := range v.StatusHistory {
			if _, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO ed_visit_status_history (visit_id, seq, from_status, to_status, changed_at, changed_by)
				VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (visit_id, seq) DO NOTHING`,
				v.ID, i+1, h.From, h.To, h.ChangedAt, h.ChangedBy); err != nil {
				v.Version = expected
				return fmt.Errorf("record status history: %w", err)
			}
		}
		return nil
	})
}

func (r *visitRepoPG) queryVisits(ctx context.Context, sql string, args ...interface{}) ([]*Visit, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Visit
	for rows.Next() {
		v, err := scanVisitDoc(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

var terminalStatuses = []string{
	string(StatusDischarged), string(StatusAdmitted), string(StatusTransferred),
	string(StatusLeftWithoutBeingSeen), string(StatusLeftAgainstMedicalAdvice), string(StatusDeceased),
}

func (r *visitRepoPG) ListActive(ctx context.Context) ([]*Visit, error) {
	return r.queryVisits(ctx, `SELECT doc, version FROM ed_visit
		WHERE status <> ALL($1) ORDER BY arrival_time, id`, terminalStatuses)
}

func (r *visitRepoPG) List(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ActiveOnly {
		add("status <> ALL($%d)", terminalStatuses)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PatientID != uuid.Nil {
		add("patient_id = $%d", f.PatientID)
	}
	if f.TriageLevel != 0 {
		add("triage_level = $%d AND doc ? 'triage_time'", f.TriageLevel)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ed_visit WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	items, err := r.queryVisits(ctx, fmt.Sprintf(`SELECT doc, version FROM ed_visit WHERE %s
		ORDER BY arrival_time, id LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// =========== Activation Repositories ===========

const (
	kindTrauma = "trauma"
	kindStroke = "stroke"
)

type activationStore struct {
	pool *pgxpool.Pool
	kind string
}

func (s *activationStore) create(ctx context.Context, id, visitID, patientID uuid.UUID, status ActivationStatus, rec interface{}, activatedAt interface{}) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s activation: %w", s.kind, err)
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO ed_activation (id, kind, visit_id, patient_id, status, activation_time, doc)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, s.kind, visitID, patientID, status, activatedAt, doc)
	return err
}

func (s *activationStore) update(ctx context.Context, id uuid.UUID, status ActivationStatus, rec interface{}) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s activation: %w", s.kind, err)
	}
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE ed_activation SET status=$3, doc=$4, updated_at=NOW() WHERE id = $1 AND kind = $2`,
		id, s.kind, status, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("update_"+s.kind+"_activation", ErrActivationNotFound, id)
	}
	return nil
}

func (s *activationStore) get(ctx context.Context, id uuid.UUID, dst interface{}) error {
	var doc []byte
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT doc FROM ed_activation WHERE id = $1 AND kind = $2`, id, s.kind).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("get_"+s.kind+"_activation", ErrActivationNotFound, id)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, dst)
}

func (s *activationStore) listDocs(ctx context.Context, visitID uuid.UUID) ([][]byte, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		`SELECT doc FROM ed_activation WHERE visit_id = $1 AND kind = $2 ORDER BY activation_time`, visitID, s.kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

type traumaRepoPG struct{ store activationStore }

func NewTraumaRepoPG(pool *pgxpool.Pool) TraumaRepository {
	return &traumaRepoPG{store: activationStore{pool: pool, kind: kindTrauma}}
}

func (r *traumaRepoPG) Create(ctx context.Context, t *TraumaActivation) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return r.store.create(ctx, t.ID, t.VisitID, t.PatientID, t.Status, t, t.ActivationTime)
}

func (r *traumaRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TraumaActivation, error) {
	var t TraumaActivation
	if err := r.store.get(ctx, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *traumaRepoPG) Update(ctx context.Context, t *TraumaActivation) error {
	return r.store.update(ctx, t.ID, t.Status, t)
}

func (r *traumaRepoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*TraumaActivation, error) {
	docs, err := r.store.listDocs(ctx, visitID)
	if err != nil {
		return nil, err
	}
	items := make([]*TraumaActivation, 0, len(docs))
	for _, doc := range docs {
		var t TraumaActivation
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("decode trauma activation: %w", err)
		}
		items = append(items, &t)
	}
	return items, nil
}

type strokeRepoPG struct{ store activationStore }

func NewStrokeCodeRepoPG(pool *pgxpool.Pool) StrokeCodeRepository {
	return &strokeRepoPG{store: activationStore{pool: pool, kind: kindStroke}}
}

func (r *strokeRepoPG) Create(ctx context.Context, s *StrokeCode) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.store.create(ctx, s.ID, s.VisitID, s.PatientID, s.Status, s, s.ActivationTime)
}

func (r *strokeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*StrokeCode, error) {
	var s StrokeCode
	if err := r.store.get(ctx, id, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *strokeRepoPG) Update(ctx context.Context, s *StrokeCode) error {
	return r.store.update(ctx, s.ID, s.Status, s)
}

func (r *strokeRepoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*StrokeCode, error) {
	docs, err := r.store.listDocs(ctx, visitID)
	if err != nil {
		return nil, err
	}
	items := make([]*StrokeCode, 0, len(docs))
	for _, doc := range docs {
		var s StrokeCode
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("decode stroke code: %w", err)
		}
		items = append(items, &s)
	}
	return items, nil
}
