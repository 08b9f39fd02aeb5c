package main

import "testing"

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders("Authorization=Bearer abc, X-Env = prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers["Authorization"] != "Bearer abc" || headers["X-Env"] != "prod" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if _, err := parseHeaders("broken"); err == nil {
		t.Fatalf("expected error for header without value")
	}
}

func TestSplitAndClean(t *testing.T) {
	got := splitAndClean(" job.created, ,invoice.paid ")
	if len(got) != 2 || got[0] != "job.created" || got[1] != "invoice.paid" {
		t.Fatalf("unexpected result: %v", got)
	}
}
