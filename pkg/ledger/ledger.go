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

// Package ledger is the at-most-once delivery ledger: a
// durable (client_id, permit_id) record, filterUnsent/record operating
// under insert-or-ignore semantics so a permit is never delivered to the
// same client twice across cycles.
package ledger

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	sharederrors "github.com/permitpipeline/permitengine/pkg/shared/errors"
)

// Assignment is one client's final, un-ledger-filtered set of permit ids
// to consider for delivery this cycle.
type Assignment struct {
	ClientID  int64
	PermitIDs []int64
}

// Ledger is the delivery ledger, backed by Postgres via sqlx/pgx.
type Ledger struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New returns a Ledger over db. A nil logger falls back to a no-op logger.
func New(db *sqlx.DB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, logger: logger}
}

// FilterUnsent removes, for each client,
// permit ids already present in the ledger for that (client_id,
// permit_id) pair.
func (l *Ledger) FilterUnsent(ctx context.Context, assignments []Assignment) ([]Assignment, error) {
	out := make([]Assignment, 0, len(assignments))

	for _, a := range assignments {
		if len(a.PermitIDs) == 0 {
			out = append(out, a)
			continue
		}

		query, args, err := sqlx.In(
			`SELECT permit_id FROM delivery_ledger WHERE client_id = ? AND permit_id IN (?)`,
			a.ClientID, a.PermitIDs)
		if err != nil {
			return nil, sharederrors.DatabaseError("build filter-unsent query", err)
		}

		var already []int64
		if err := l.db.SelectContext(ctx, &already, l.db.Rebind(query), args...); err != nil {
			return nil, sharederrors.DatabaseError("query ledger for already-sent pairs", err)
		}

		sent := make(map[int64]struct{}, len(already))
		for _, id := range already {
			sent[id] = struct{}{}
		}

		remaining := make([]int64, 0, len(a.PermitIDs))
		for _, id := range a.PermitIDs {
			if _, found := sent[id]; !found {
				remaining = append(remaining, id)
			}
		}
		out = append(out, Assignment{ClientID: a.ClientID, PermitIDs: remaining})
	}

	return out, nil
}

// Record inserts (client_id, permit_id, now) rows with insert-or-ignore
// semantics, so a pair already present is a no-op, not an error.
// Idempotent, which lets the orchestrator retry it best-effort even when
// the cycle is being cancelled.
func (l *Ledger) Record(ctx context.Context, assignments []Assignment) error {
	for _, a := range assignments {
		for _, permitID := range a.PermitIDs {
			if err := l.recordOne(ctx, a.ClientID, permitID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Ledger) recordOne(ctx context.Context, clientID, permitID int64) error {
	const q = `
		INSERT INTO delivery_ledger (client_id, permit_id, sent_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, permit_id) DO NOTHING`

	if _, err := l.db.ExecContext(ctx, q, clientID, permitID, time.Now()); err != nil {
		return sharederrors.DatabaseError("record delivery ledger row", err)
	}
	return nil
}
