package clientprofile

import (
	"context"
	"testing"
)

func validProfile() *ClientProfile {
	return &ClientProfile{
		ID:               1,
		Name:             "Acme Roofing",
		Email:            "leads@acme.example",
		SliderPercentage: 50,
		Priority:         1,
		Status:           StatusActive,
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(validProfile()); err != nil {
		t.Fatalf("expected valid profile to pass, got %v", err)
	}

	cases := map[string]func(*ClientProfile){
		"zero slider":        func(c *ClientProfile) { c.SliderPercentage = 0 },
		"slider over 100":    func(c *ClientProfile) { c.SliderPercentage = 101 },
		"zero priority":      func(c *ClientProfile) { c.Priority = 0 },
		"bad status":         func(c *ClientProfile) { c.Status = "pending" },
		"missing email":      func(c *ClientProfile) { c.Email = "" },
		"malformed email":    func(c *ClientProfile) { c.Email = "not-an-email" },
		"missing name":       func(c *ClientProfile) { c.Name = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validProfile()
			mutate(p)
			if err := Validate(p); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestValidateNil(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil profile")
	}
}

func TestSanitizeDropsBlankEntries(t *testing.T) {
	c := validProfile()
	c.WorkClasses = []string{"Residential", "  ", "", "Commercial"}
	c.KeywordsInclude = []string{"roof", ""}
	c.KeywordsExclude = []string{"", "pool deck"}

	Sanitize(c)

	if got := c.WorkClasses; len(got) != 2 {
		t.Fatalf("WorkClasses = %v, want 2 entries", got)
	}
	if got := c.KeywordsInclude; len(got) != 1 || got[0] != "roof" {
		t.Fatalf("KeywordsInclude = %v", got)
	}
	if got := c.KeywordsExclude; len(got) != 1 || got[0] != "pool deck" {
		t.Fatalf("KeywordsExclude = %v", got)
	}
}

func TestGroupKeyIgnoresWorkClassOrder(t *testing.T) {
	a := validProfile()
	a.City, a.PermitType, a.PermitClassMapped = "Austin", "Residential", "New Construction"
	a.WorkClasses = []string{"Electrical", "Plumbing"}

	b := validProfile()
	b.City, b.PermitType, b.PermitClassMapped = "Austin", "Residential", "New Construction"
	b.WorkClasses = []string{"Plumbing", "Electrical"}

	if a.GroupKey() != b.GroupKey() {
		t.Fatalf("expected matching group keys regardless of work class order: %q vs %q", a.GroupKey(), b.GroupKey())
	}

	c := validProfile()
	c.City, c.PermitType, c.PermitClassMapped = "Dallas", "Residential", "New Construction"
	c.WorkClasses = []string{"Electrical", "Plumbing"}
	if a.GroupKey() == c.GroupKey() {
		t.Fatal("expected different group keys for different cities")
	}
}

func TestMemoryStoreListActive(t *testing.T) {
	active := validProfile()
	inactive := validProfile()
	inactive.ID = 2
	inactive.Status = StatusInactive

	store := NewMemoryStore(active, inactive)
	got, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Fatalf("ListActive() = %+v, want only the active profile", got)
	}
}
