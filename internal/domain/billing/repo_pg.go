package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Postgres Bill Repository ===========

// billRepoPG stores one row per bill. The full snapshot lives in the
// document column; patient_ref, status and version are copied out so they
// can be indexed and used in the conditional update.
type billRepoPG struct{ db queryable }

// NewBillRepoPG returns a repository over a pgx pool, connection or tx.
func NewBillRepoPG(db queryable) BillRepository { return &billRepoPG{db: db} }

const billCols = `document`

func scanBill(row pgx.Row) (*Bill, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return nil, err
	}
	var b Bill
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bill document: %w", err)
	}
	return &b, nil
}

func (r *billRepoPG) Insert(ctx context.Context, b *Bill) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bill document: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO bill (id, patient_ref, status, version, document, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.PatientRef, string(b.Status), b.Version, doc, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bill %s: %w", b.ID, err)
	}
	return nil
}

func (r *billRepoPG) Get(ctx context.Context, id uuid.UUID) (*Bill, error) {
	b, err := scanBill(r.db.QueryRow(ctx, `SELECT `+billCols+` FROM bill WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{BillID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get bill %s: %w", id, err)
	}
	return b, nil
}

func (r *billRepoPG) ReplaceIfVersion(ctx context.Context, b *Bill, expected int64) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bill document: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE bill SET status=$2, version=$3, document=$4, updated_at=$5
		WHERE id = $1 AND version = $6`,
		b.ID, string(b.Status), b.Version, doc, b.UpdatedAt, expected)
	if err != nil {
		return fmt.Errorf("update bill %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *billRepoPG) List(ctx context.Context, f BillFilter) iter.Seq2[*Bill, error] {
	return func(yield func(*Bill, error) bool) {
		var (
			where []string
			args  []interface{}
		)
		if f.PatientRef != "" {
			args = append(args, f.PatientRef)
			where = append(where, fmt.Sprintf("patient_ref = $%d", len(args)))
		}
		if f.Status != "" {
			args = append(args, string(f.Status))
			where = append(where, fmt.Sprintf("status = $%d", len(args)))
		}
		sql := `SELECT ` + billCols + ` FROM bill`
		if len(where) > 0 {
			sql += ` WHERE ` + strings.Join(where, " AND ")
		}
		sql += ` ORDER BY created_at, id`

		rows, err := r.db.Query(ctx, sql, args...)
		if err != nil {
			yield(nil, fmt.Errorf("list bills: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			b, err := scanBill(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate bills: %w", err))
		}
	}
}
