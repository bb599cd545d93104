package clientprofile

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	sharederrors "github.com/permitpipeline/permitengine/pkg/shared/errors"
)

// profileRow is the client_profiles table row. Array columns come back as
// comma-joined text (array_to_string in the query) so the scan works with
// plain database/sql across drivers.
type profileRow struct {
	ID                int64  `db:"id"`
	Name              string `db:"name"`
	Email             string `db:"email"`
	City              string `db:"city"`
	PermitType        string `db:"permit_type"`
	PermitClassMapped string `db:"permit_class_mapped"`
	WorkClasses       string `db:"work_classes"`
	RAGQuery          string `db:"rag_query"`
	KeywordsInclude   string `db:"keywords_include"`
	KeywordsExclude   string `db:"keywords_exclude"`
	SliderPercentage  int    `db:"slider_percentage"`
	Priority          int    `db:"priority"`
	Status            string `db:"status"`
}

// SQLStore is a Store backed by the clients database. The profiles
// themselves are owned externally by the client CRUD surface; this
// store only reads the point-in-time snapshot a match cycle starts from.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLStore returns a SQLStore over db. A nil logger falls back to a
// no-op logger.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, logger: logger}
}

// ListActive implements Store. Profiles that fail validation are logged
// and dropped rather than failing the snapshot: one malformed profile
// must not keep every other client from matching.
func (s *SQLStore) ListActive(ctx context.Context) ([]*ClientProfile, error) {
	const q = `
		SELECT id, name, email, city, permit_type, permit_class_mapped,
			array_to_string(work_classes, ',') AS work_classes,
			rag_query,
			array_to_string(keywords_include, ',') AS keywords_include,
			array_to_string(keywords_exclude, ',') AS keywords_exclude,
			slider_percentage, priority, status
		FROM client_profiles
		WHERE status = 'active'
		ORDER BY id ASC`

	var rows []profileRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, sharederrors.DatabaseError("list active client profiles", err)
	}

	out := make([]*ClientProfile, 0, len(rows))
	for _, r := range rows {
		profile := &ClientProfile{
			ID:                r.ID,
			Name:              r.Name,
			Email:             r.Email,
			City:              r.City,
			PermitType:        r.PermitType,
			PermitClassMapped: r.PermitClassMapped,
			WorkClasses:       splitList(r.WorkClasses),
			RAGQuery:          r.RAGQuery,
			KeywordsInclude:   splitList(r.KeywordsInclude),
			KeywordsExclude:   splitList(r.KeywordsExclude),
			SliderPercentage:  r.SliderPercentage,
			Priority:          r.Priority,
			Status:            Status(r.Status),
		}
		Sanitize(profile)
		if err := Validate(profile); err != nil {
			s.logger.Warn("dropping invalid client profile from snapshot",
				zap.Int64("client_id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, profile)
	}
	return out, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}
