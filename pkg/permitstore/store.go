/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package permitstore is the authoritative, queryable permit catalog:
// idempotent insert keyed on (city, permit_number), an
// equality/date-range structured filter query, id lookup, and a
// single-pass chunked scan the Index Manager streams the whole corpus
// through.
package permitstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/permitpipeline/permitengine/pkg/permit"
	sharederrors "github.com/permitpipeline/permitengine/pkg/shared/errors"
	"github.com/permitpipeline/permitengine/pkg/shared/logging"
)

// recentRowsThreshold is the limit above which QueryFiltered degrades
// from "issued_date descending" to a randomized sample, so a large limit
// doesn't starve historical records ahead of semantic re-ranking.
const recentRowsThreshold = 500

// streamChunkMax is the StreamAll chunk ceiling.
const streamChunkMax = 2000

const uniqueViolationCode = "23505"

// Store is the Permit Store, backed by Postgres via sqlx/pgx.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New returns a Store over db. A nil logger falls back to a no-op logger.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// InsertResult reports how many of a batch's rows were newly inserted vs.
// skipped (duplicate key or malformed row).
type InsertResult struct {
	Inserted int
	Skipped  int
}

// Insert parses and inserts rows for city, idempotently on (city,
// permit_number): a row whose key already exists contributes to Skipped,
// not an error. A row that fails to parse is logged and skipped; the batch
// is never aborted by a single bad row.
func (s *Store) Insert(ctx context.Context, city string, rows []permit.RawPermit) (InsertResult, error) {
	var result InsertResult

	for _, raw := range rows {
		p, err := parseRawPermit(city, raw)
		if err != nil {
			s.logger.Warn("skipping malformed permit row",
				logging.NewFields().Component("permitstore").Operation("insert").Resource("city", city).Error(err).ToZap()...)
			result.Skipped++
			continue
		}

		inserted, err := s.insertOne(ctx, p)
		if err != nil {
			s.logger.Error("failed to insert permit row",
				logging.NewFields().Component("permitstore").Operation("insert").
					Resource("permit_number", p.PermitNumber).Error(err).ToZap()...)
			result.Skipped++
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}

	return result, nil
}

func (s *Store) insertOne(ctx context.Context, p *permit.Permit) (bool, error) {
	const q = `
		INSERT INTO permits (
			city, permit_number, permit_type, permit_class_mapped, work_class, current_status,
			description, applied_date, issued_date,
			applicant_name, applicant_address, contractor_name, contractor_company_name,
			contractor_phone, contractor_address,
			applicant_phone, phone, contact_phone, business_phone, company_phone, contractor_company_phone
		) VALUES (
			:city, :permit_number, :permit_type, :permit_class_mapped, :work_class, :current_status,
			:description, :applied_date, :issued_date,
			:applicant_name, :applicant_address, :contractor_name, :contractor_company_name,
			:contractor_phone, :contractor_address,
			:applicant_phone, :phone, :contact_phone, :business_phone, :company_phone, :contractor_company_phone
		)
		ON CONFLICT (city, permit_number) DO NOTHING
		RETURNING id`

	rows, err := s.db.NamedQueryContext(ctx, q, p)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, sharederrors.DatabaseError("insert permit", err)
	}
	defer rows.Close()

	return rows.Next(), rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// QueryFiltered returns up to limit permits matching filters, ordered by
// issued_date descending for limit <= 500, or a randomized sample above
// that threshold, so a large limit doesn't starve historical records.
func (s *Store) QueryFiltered(ctx context.Context, filters *Filters, limit int) ([]permit.Permit, error) {
	where, args := buildPermitFilterSQL(filters, 1)

	q := "SELECT * FROM permits"
	if where != "" {
		q += " WHERE " + where
	}

	if limit > recentRowsThreshold {
		q += fmt.Sprintf(" ORDER BY random() LIMIT $%d", len(args)+1)
	} else {
		q += fmt.Sprintf(" ORDER BY issued_date DESC NULLS LAST LIMIT $%d", len(args)+1)
	}
	args = append(args, limit)

	var out []permit.Permit
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, sharederrors.DatabaseError("query filtered permits", err)
	}
	return out, nil
}

// FetchByIds returns permits matching ids, in no particular order.
func (s *Store) FetchByIds(ctx context.Context, ids []int64) ([]permit.Permit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In("SELECT * FROM permits WHERE id IN (?)", ids)
	if err != nil {
		return nil, sharederrors.DatabaseError("build fetch-by-ids query", err)
	}
	var out []permit.Permit
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, sharederrors.DatabaseError("fetch permits by id", err)
	}
	return out, nil
}

// Count returns the total number of permits in the store. The orchestrator
// compares it against the index's vector count to decide between an
// incremental refresh and a full rebuild.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM permits"); err != nil {
		return 0, sharederrors.DatabaseError("count permits", err)
	}
	return n, nil
}

// FetchAfter returns up to limit permits with id > afterID, ascending.
// Because id is a monotonic surrogate assigned on insert, this yields
// exactly the rows added since the index last saw id afterID.
func (s *Store) FetchAfter(ctx context.Context, afterID int64, limit int) ([]permit.Permit, error) {
	const q = `SELECT * FROM permits WHERE id > $1 ORDER BY id ASC LIMIT $2`
	var out []permit.Permit
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), afterID, limit); err != nil {
		return nil, sharederrors.DatabaseError("fetch permits after id", err)
	}
	return out, nil
}

// Cursor is a single-pass, keyset-paginated scan over the whole Permit
// Store, used by the Index Manager to stream permits in bounded chunks.
type Cursor struct {
	store     *Store
	chunkSize int
	lastID    int64
	exhausted bool
}

// StreamAll returns a Cursor that yields the store's rows in ascending id
// order, chunkSize rows at a time (capped at streamChunkMax).
func (s *Store) StreamAll(chunkSize int) *Cursor {
	if chunkSize <= 0 || chunkSize > streamChunkMax {
		chunkSize = streamChunkMax
	}
	return &Cursor{store: s, chunkSize: chunkSize}
}

// Next returns the next chunk, or an empty slice once the scan is
// exhausted. A single pass: once exhausted, Next keeps returning empty.
func (c *Cursor) Next(ctx context.Context) ([]permit.Permit, error) {
	if c.exhausted {
		return nil, nil
	}

	const q = `SELECT * FROM permits WHERE id > $1 ORDER BY id ASC LIMIT $2`
	var out []permit.Permit
	if err := c.store.db.SelectContext(ctx, &out, c.store.db.Rebind(q), c.lastID, c.chunkSize); err != nil {
		return nil, sharederrors.DatabaseError("stream permits", err)
	}

	if len(out) < c.chunkSize {
		c.exhausted = true
	}
	if len(out) > 0 {
		c.lastID = out[len(out)-1].ID
	}
	return out, nil
}

// parseRawPermit maps a RawPermit's canonical keys (already normalized by
// the scraper's normalize step) onto a *permit.Permit, parsing date
// fields. Returns an error for any row missing permit_number.
func parseRawPermit(city string, raw permit.RawPermit) (*permit.Permit, error) {
	permitNumber := strings.TrimSpace(raw["permit_number"])
	if permitNumber == "" {
		return nil, fmt.Errorf("row missing permit_number")
	}

	p := &permit.Permit{
		City:                   city,
		PermitNumber:           permitNumber,
		PermitType:             raw["permit_type"],
		PermitClassMapped:      raw["permit_class_mapped"],
		WorkClass:              raw["work_class"],
		CurrentStatus:          raw["current_status"],
		Description:            raw["description"],
		ApplicantName:          raw["applicant_name"],
		ApplicantAddress:       raw["applicant_address"],
		ContractorName:         raw["contractor_name"],
		ContractorCompanyName:  raw["contractor_company_name"],
		ContractorPhone:        raw["contractor_phone"],
		ContractorAddress:      raw["contractor_address"],
		ApplicantPhone:         raw["applicant_phone"],
		Phone:                  raw["phone"],
		ContactPhone:           raw["contact_phone"],
		BusinessPhone:          raw["business_phone"],
		CompanyPhone:           raw["company_phone"],
		ContractorCompanyPhone: raw["contractor_company_phone"],
	}

	var err error
	if p.AppliedDate, err = parseDate(raw["applied_date"]); err != nil {
		return nil, fmt.Errorf("invalid applied_date %q: %w", raw["applied_date"], err)
	}
	if p.IssuedDate, err = parseDate(raw["issued_date"]); err != nil {
		return nil, fmt.Errorf("invalid issued_date %q: %w", raw["issued_date"], err)
	}

	return p, nil
}

func parseDate(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
