// Package permit defines the canonical Permit record and the field
// normalization policy used to compare it against structured filters.
package permit

import (
	"regexp"
	"strings"
	"time"
)

// Permit is the canonical, immutable-once-inserted building-permit record.
// Identity is the pair (City, PermitNumber); ID is a monotonic surrogate
// assigned on insert.
type Permit struct {
	ID      int64     `db:"id"`
	City    string    `db:"city"`
	PermitNumber string `db:"permit_number"`

	PermitType         string `db:"permit_type"`
	PermitClassMapped  string `db:"permit_class_mapped"`
	WorkClass          string `db:"work_class"`
	CurrentStatus      string `db:"current_status"`

	Description string `db:"description"`

	AppliedDate *time.Time `db:"applied_date"`
	IssuedDate  *time.Time `db:"issued_date"`

	ApplicantName          string `db:"applicant_name"`
	ApplicantAddress       string `db:"applicant_address"`
	ContractorName         string `db:"contractor_name"`
	ContractorCompanyName  string `db:"contractor_company_name"`
	ContractorPhone        string `db:"contractor_phone"`
	ContractorAddress      string `db:"contractor_address"`

	// ApplicantPhone, Phone, ContactPhone, BusinessPhone, CompanyPhone and
	// ContractorCompanyPhone are additional contact fields the pre-delivery
	// phone gate checks. Most sources never populate
	// these; they are carried so the gate has somewhere to read them from.
	ApplicantPhone         string `db:"applicant_phone"`
	Phone                  string `db:"phone"`
	ContactPhone           string `db:"contact_phone"`
	BusinessPhone          string `db:"business_phone"`
	CompanyPhone           string `db:"company_phone"`
	ContractorCompanyPhone string `db:"contractor_company_phone"`

	CreatedAt time.Time `db:"created_at"`
}

// RawPermit is what a scraper returns before normalization: loosely-typed
// source fields keyed by whatever name the municipal source uses.
type RawPermit map[string]string

// ContactFields lists the contact-phone columns the pre-delivery gate
// consults, in priority order: the first non-empty field wins when a
// single "contact phone" value must be attached to a delivered row.
// Contractor phone first, contractor company phone last.
var ContactFields = []func(p *Permit) string{
	func(p *Permit) string { return p.ContractorPhone },
	func(p *Permit) string { return p.ApplicantPhone },
	func(p *Permit) string { return p.Phone },
	func(p *Permit) string { return p.ContactPhone },
	func(p *Permit) string { return p.BusinessPhone },
	func(p *Permit) string { return p.CompanyPhone },
	func(p *Permit) string { return p.ContractorCompanyPhone },
}

// ContactPhone returns the first non-empty contact phone field on p, in
// ContactFields priority order, or "" if none are populated.
func ContactPhone(p *Permit) string {
	for _, f := range ContactFields {
		if v := strings.TrimSpace(f(p)); v != "" {
			return v
		}
	}
	return ""
}

// HasContactPhone reports whether any recognized contact field on p is non-empty.
func HasContactPhone(p *Permit) bool {
	return ContactPhone(p) != ""
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeTable is the ordered set of substring replacements applied after
// case-folding and whitespace-collapsing, so additional rules can be
// appended without touching call sites.
var normalizeTable = []struct {
	pattern     string
	replacement string
}{
	{" - ", "-"},
	{"&", "and"},
}

// Normalize applies the filter-comparison normalization policy:
// case-insensitive, whitespace-collapsed, " - " folded to "-", "&" folded
// to "and". Applied uniformly to stored and query values so equality
// filters compare like with like.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = whitespaceRun.ReplaceAllString(s, " ")
	for _, rule := range normalizeTable {
		s = strings.ReplaceAll(s, rule.pattern, rule.replacement)
	}
	return s
}

// DescriptionText returns the canonical text the Index Manager embeds for
// p: "no description available" if Description is empty, otherwise
// "project: " + Description. Only the description participates in the
// semantic text recipe.
func DescriptionText(p *Permit) string {
	if strings.TrimSpace(p.Description) == "" {
		return "no description available"
	}
	return "project: " + p.Description
}
