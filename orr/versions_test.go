/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

import "testing"

func TestCompareDottedVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.3.14", "1.3.14", 0},
		{"1.3.14", "1.3.15", -1},
		{"1.3.15", "1.3.14", 1},
		{"1.3.9", "1.3.10", -1}, // numeric, not lexicographic
		{"1", "1.0", 0},
		{"1.10", "1.9", 1},
	}

	for _, tt := range tests {
		got := compareDottedVersions(tt.a, tt.b)
		if got != tt.want {
			t.Errorf("compareDottedVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestVersionInRange(t *testing.T) {
	if !versionInRange("1.3.14", "1.3.14", "1.3.15") {
		t.Error("1.3.14 should be in range [1.3.14, 1.3.15]")
	}
	if !versionInRange("1.3.15", "1.3.14", "1.3.15") {
		t.Error("1.3.15 should be in range [1.3.14, 1.3.15]")
	}
	if versionInRange("1.3.13", "1.3.14", "1.3.15") {
		t.Error("1.3.13 should not be in range [1.3.14, 1.3.15]")
	}
	if versionInRange("1.3.16", "1.3.14", "1.3.15") {
		t.Error("1.3.16 should not be in range [1.3.14, 1.3.15]")
	}
}

func TestVersionViolationOk(t *testing.T) {
	vi := VersionInfo{
		Plugin: map[string]string{
			"Agent":      "0.19",
			"OpenDNSSEC": "0.14",
		},
		Program: map[string]string{
			"ods-control":   "1",
			"ods-signerd":   "1.3.14",
			"ods-signer":    "1.3.15",
			"ods-enforcerd": "1.3.14",
			"ods-ksmutil":   "1.3.15",
		},
	}
	if v := versionViolation(vi); v != nil {
		t.Errorf("expected no violation, got %v", v)
	}
}

func TestVersionViolationOutOfRange(t *testing.T) {
	vi := VersionInfo{
		Plugin: map[string]string{
			"Agent":      "0.19",
			"OpenDNSSEC": "0.14",
		},
		Program: map[string]string{
			"ods-control":   "1",
			"ods-signerd":   "1.3.13",
			"ods-signer":    "1.3.14",
			"ods-enforcerd": "1.3.14",
			"ods-ksmutil":   "1.3.14",
		},
	}
	v := versionViolation(vi)
	if v == nil {
		t.Fatal("expected a version violation for ods-signerd 1.3.13")
	}
	if v.Name != "ods-signerd" || v.Version != "1.3.13" {
		t.Errorf("unexpected violation: %+v", v)
	}
	want := "Software ods-signerd version 1.3.13 is not supported. Supported are minimum version 1.3.14 and maximum version 1.3.15"
	if v.Error() != want {
		t.Errorf("Error() = %q, want %q", v.Error(), want)
	}
}

func TestVersionViolationMissingRequired(t *testing.T) {
	vi := VersionInfo{
		Plugin:  map[string]string{"OpenDNSSEC": "0.14"},
		Program: map[string]string{},
	}
	v := versionViolation(vi)
	if v == nil || !v.Missing {
		t.Fatalf("expected a missing-required violation, got %+v", v)
	}
}
