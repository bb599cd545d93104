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

package permitstore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/permitpipeline/permitengine/pkg/permit"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "pgx")
	return New(db, zap.NewNop()), mock
}

func TestInsertNewRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO permits`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	rows := []permit.RawPermit{{
		"permit_number": "P-100",
		"description":   "re-roof residential",
	}}

	result, err := store.Insert(context.Background(), "Austin", rows)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if result.Inserted != 1 || result.Skipped != 0 {
		t.Fatalf("Insert result = %+v, want {Inserted:1 Skipped:0}", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertDuplicateIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING with no returned row looks, to sqlmock, like an
	// empty result set: no rows back from the RETURNING clause.
	mock.ExpectQuery(`INSERT INTO permits`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rows := []permit.RawPermit{{"permit_number": "P-100"}}

	result, err := store.Insert(context.Background(), "Austin", rows)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if result.Inserted != 0 || result.Skipped != 1 {
		t.Fatalf("Insert result = %+v, want {Inserted:0 Skipped:1}", result)
	}
}

func TestInsertSkipsMalformedRowWithoutAbortingBatch(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO permits`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))

	rows := []permit.RawPermit{
		{"description": "missing permit number"},
		{"permit_number": "P-200"},
	}

	result, err := store.Insert(context.Background(), "Austin", rows)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if result.Inserted != 1 || result.Skipped != 1 {
		t.Fatalf("Insert result = %+v, want {Inserted:1 Skipped:1}", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertUniqueViolationCountsAsSkipped(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO permits`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	rows := []permit.RawPermit{{"permit_number": "P-300"}}

	result, err := store.Insert(context.Background(), "Austin", rows)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if result.Inserted != 0 || result.Skipped != 1 {
		t.Fatalf("Insert result = %+v, want {Inserted:0 Skipped:1}", result)
	}
}

func TestQueryFilteredOrdersByIssuedDateUnderThreshold(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM permits WHERE .*ORDER BY issued_date DESC NULLS LAST LIMIT`).
		WithArgs("austin", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "city", "permit_number", "created_at"}).
			AddRow(int64(1), "Austin", "P-1", now))

	out, err := store.QueryFiltered(context.Background(), &Filters{City: []string{"Austin"}}, 10)
	if err != nil {
		t.Fatalf("QueryFiltered: %v", err)
	}
	if len(out) != 1 || out[0].PermitNumber != "P-1" {
		t.Fatalf("QueryFiltered = %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestQueryFilteredSamplesRandomlyOverThreshold(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM permits ORDER BY random\(\) LIMIT`).
		WithArgs(600).
		WillReturnRows(sqlmock.NewRows([]string{"id", "city", "permit_number", "created_at"}))

	_, err := store.QueryFiltered(context.Background(), nil, 600)
	if err != nil {
		t.Fatalf("QueryFiltered: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFetchByIdsEmpty(t *testing.T) {
	store, _ := newMockStore(t)
	out, err := store.FetchByIds(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchByIds: %v", err)
	}
	if out != nil {
		t.Fatalf("FetchByIds(nil) = %v, want nil", out)
	}
}

func TestCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM permits`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 42 {
		t.Fatalf("Count = %d, want 42", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFetchAfterReturnsRowsPastID(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT \* FROM permits WHERE id > \$1 ORDER BY id ASC LIMIT \$2`).
		WithArgs(int64(5), 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "city", "permit_number", "created_at"}).
			AddRow(int64(6), "Austin", "P-6", now).
			AddRow(int64(7), "Austin", "P-7", now))

	out, err := store.FetchAfter(context.Background(), 5, 100)
	if err != nil {
		t.Fatalf("FetchAfter: %v", err)
	}
	if len(out) != 2 || out[0].ID != 6 || out[1].ID != 7 {
		t.Fatalf("FetchAfter = %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStreamAllSinglePassExhausts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT \* FROM permits WHERE id > \$1 ORDER BY id ASC LIMIT \$2`).
		WithArgs(int64(0), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "city", "permit_number", "created_at"}).
			AddRow(int64(1), "Austin", "P-1", now).
			AddRow(int64(2), "Austin", "P-2", now))

	mock.ExpectQuery(`SELECT \* FROM permits WHERE id > \$1 ORDER BY id ASC LIMIT \$2`).
		WithArgs(int64(2), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "city", "permit_number", "created_at"}).
			AddRow(int64(3), "Austin", "P-3", now))

	cursor := store.StreamAll(2)
	ctx := context.Background()

	first, err := cursor.Next(ctx)
	if err != nil || len(first) != 2 {
		t.Fatalf("first chunk = %v, err %v", first, err)
	}
	second, err := cursor.Next(ctx)
	if err != nil || len(second) != 1 {
		t.Fatalf("second chunk = %v, err %v", second, err)
	}

	third, err := cursor.Next(ctx)
	if err != nil || third != nil {
		t.Fatalf("expected exhausted cursor to return nothing, got %v, err %v", third, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStreamAllCapsChunkSize(t *testing.T) {
	store, _ := newMockStore(t)
	cursor := store.StreamAll(streamChunkMax + 500)
	if cursor.chunkSize != streamChunkMax {
		t.Fatalf("chunkSize = %d, want capped at %d", cursor.chunkSize, streamChunkMax)
	}
}
