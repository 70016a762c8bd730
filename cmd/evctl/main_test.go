package main

import "testing"

func TestParseEvidence(t *testing.T) {
	got, err := parseEvidence([]string{"Email=a@b.c", "Phone Number=+44 1", "Note=x=y"})
	if err != nil {
		t.Fatalf("parseEvidence: %v", err)
	}
	if got["Email"] != "a@b.c" || got["Phone Number"] != "+44 1" || got["Note"] != "x=y" {
		t.Errorf("unexpected map: %v", got)
	}
}

func TestParseEvidence_Invalid(t *testing.T) {
	for _, args := range [][]string{
		{"novalue"},
		{"=value"},
		{"a=1", "a=2"},
	} {
		if _, err := parseEvidence(args); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
