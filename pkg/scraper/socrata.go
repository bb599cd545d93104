package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/permitpipeline/permitengine/pkg/permit"
	"github.com/permitpipeline/permitengine/pkg/shared/httpclient"
)

// DefaultScrapeTimeout bounds a single Socrata request when no per-source
// timeout is configured.
const DefaultScrapeTimeout = 30 * time.Second

// socrataPageSize is the $limit applied per request; Socrata caps
// unauthenticated requests well above this.
const socrataPageSize = 5000

// canonicalFields is the canonical key set a SocrataSource emits. A field
// absent from a source's mapping is carried through under its canonical
// name, so sources that already publish canonical keys need no mapping.
var canonicalFields = []string{
	"permit_number", "permit_type", "permit_class_mapped", "work_class",
	"current_status", "description", "applied_date", "issued_date",
	"applicant_name", "applicant_address", "contractor_name",
	"contractor_company_name", "contractor_phone", "contractor_address",
}

// SocrataSource is a reference Source over a Socrata open-data endpoint,
// the API most municipal permit portals publish through. City-specific
// sources that need more than a field mapping implement Source directly
// and register via Register; everything Socrata-shaped can be declared
// from configuration alone.
type SocrataSource struct {
	name     string
	endpoint string
	fieldMap map[string]string // canonical key -> source column
	client   *http.Client
}

// NewSocrataSource returns a SocrataSource named name over endpoint. A
// non-positive timeout falls back to DefaultScrapeTimeout; a nil fieldMap
// means the source already publishes canonical column names.
func NewSocrataSource(name, endpoint string, timeout time.Duration, fieldMap map[string]string) *SocrataSource {
	if timeout <= 0 {
		timeout = DefaultScrapeTimeout
	}
	return &SocrataSource{
		name:     name,
		endpoint: endpoint,
		fieldMap: fieldMap,
		client:   httpclient.NewClient(httpclient.ScraperClientConfig(timeout)),
	}
}

// Name implements Source.
func (s *SocrataSource) Name() string { return s.name }

// Scrape implements Source: one GET with a SoQL issued-date window,
// decoding the JSON row array into RawPermits keyed by the source's own
// column names.
func (s *SocrataSource) Scrape(ctx context.Context, startDate, endDate string) ([]permit.RawPermit, error) {
	issuedCol := s.sourceColumn("issued_date")

	q := url.Values{}
	q.Set("$limit", fmt.Sprintf("%d", socrataPageSize))
	q.Set("$where", fmt.Sprintf("%s between '%s' and '%s'", issuedCol, startDate, endDate))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build scrape request for %q: %w", s.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape %q: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scrape %q: unexpected status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rows []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("scrape %q: decode response: %w", s.name, err)
	}

	out := make([]permit.RawPermit, 0, len(rows))
	for _, row := range rows {
		raw := make(permit.RawPermit, len(row))
		for k, v := range row {
			raw[k] = stringify(v)
		}
		out = append(out, raw)
	}
	return out, nil
}

// Normalize implements Source: maps source columns onto the canonical key
// set, trims date values to YYYY-MM-DD, and drops rows lacking permit_number.
func (s *SocrataSource) Normalize(rows []permit.RawPermit) []permit.RawPermit {
	out := make([]permit.RawPermit, 0, len(rows))
	for _, row := range rows {
		canonical := make(permit.RawPermit, len(canonicalFields))
		for _, field := range canonicalFields {
			canonical[field] = strings.TrimSpace(row[s.sourceColumn(field)])
		}
		canonical["applied_date"] = trimDate(canonical["applied_date"])
		canonical["issued_date"] = trimDate(canonical["issued_date"])

		if canonical["permit_number"] == "" {
			continue
		}
		out = append(out, canonical)
	}
	return out
}

func (s *SocrataSource) sourceColumn(canonical string) string {
	if col, ok := s.fieldMap[canonical]; ok {
		return col
	}
	return canonical
}

// stringify flattens a decoded JSON value to the string form RawPermit
// carries. Socrata emits numbers for some id-like columns.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// trimDate reduces Socrata's floating timestamp form
// ("2026-07-01T00:00:00.000") to the calendar date the store parses.
func trimDate(s string) string {
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		return s[:i]
	}
	return s
}
