package protocol

import "testing"

func TestLookupCategory(t *testing.T) {
	for _, info := range Categories {
		got, ok := LookupCategory(info.Category)
		if !ok {
			t.Errorf("LookupCategory(%q) not found", info.Category)
			continue
		}
		if got.Label != info.Label {
			t.Errorf("label = %q, want %q", got.Label, info.Label)
		}
	}

	if _, ok := LookupCategory("refund"); ok {
		t.Error("expected unknown category to be rejected")
	}
	if got := TicketCategory("refund").Label(); got != "refund" {
		t.Errorf("fallback label = %q", got)
	}
}

func TestCategoriesComplete(t *testing.T) {
	want := []TicketCategory{
		CategoryPreSale, CategoryAfterSale, CategoryOrderPickup,
		CategoryUnbind, CategoryTuning, CategoryDecode,
	}
	if len(Categories) != len(want) {
		t.Fatalf("got %d categories, want %d", len(Categories), len(want))
	}
	for i, c := range want {
		if Categories[i].Category != c {
			t.Errorf("Categories[%d] = %q, want %q", i, Categories[i].Category, c)
		}
	}
}

func TestValidSnowflake(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"123456789012345678", true},
		{"1", true},
		{"", false},
		{"abc", false},
		{"-5", false},
		{"12 34", false},
	}
	for _, tt := range tests {
		if got := ValidSnowflake(tt.id); got != tt.want {
			t.Errorf("ValidSnowflake(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestActorHasRole(t *testing.T) {
	a := Actor{UserID: "1", RoleIDs: []string{"10", "20"}}
	if !a.HasRole("20") {
		t.Error("expected role 20")
	}
	if a.HasRole("30") {
		t.Error("unexpected role 30")
	}
	if a.HasRole("") {
		t.Error("empty role id must never match")
	}
}
