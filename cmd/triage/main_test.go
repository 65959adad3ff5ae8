package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestReadCases(t *testing.T) {
	input := "Account_ID,expected_verdict\n" +
		"1001,confirmed\n" +
		",DISMISSED\n" +
		"1002\n" +
		"1003,DISMISSED\n"

	cases, err := readCases(strings.NewReader(input), 0)
	if err != nil {
		t.Fatalf("readCases failed: %v", err)
	}
	if len(cases) != 3 {
		t.Fatalf("expected 3 cases, got %d", len(cases))
	}
	if cases[0].Expected != "CONFIRMED" {
		t.Errorf("expected label upper-cased, got %s", cases[0].Expected)
	}
	if cases[1].AccountID != "1002" || cases[1].Expected != "" {
		t.Errorf("expected unlabelled 1002, got %+v", cases[1])
	}

	t.Run("Limit", func(t *testing.T) {
		cases, _ := readCases(strings.NewReader(input), 1)
		if len(cases) != 1 {
			t.Errorf("expected 1 case, got %d", len(cases))
		}
	})

	t.Run("MissingColumn", func(t *testing.T) {
		if _, err := readCases(strings.NewReader("user\n1\n"), 0); err == nil {
			t.Error("expected error without account_id column")
		}
	})
}

func TestRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tenant-ID") != "triage" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/accounts/1001/evaluate":
			w.Write([]byte(`{"verdict":"CONFIRMED","reasonCode":"NEW_ACCOUNT","verified":true}`))
		case "/accounts/1002/evaluate":
			w.Write([]byte(`{"verdict":"DISMISSED","reasonCode":"ONLY_TWO_FLAGS","verified":false,"needsManualReview":true}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	stats := run([]Case{
		{AccountID: "1001", Expected: "CONFIRMED"},
		{AccountID: "1002", Expected: "CONFIRMED"},
		{AccountID: "broken"},
	}, srv.URL, "triage", 2, false)

	if stats.Processed != 3 || stats.Errors != 1 {
		t.Errorf("expected 3 processed and 1 error, got %d/%d", stats.Processed, stats.Errors)
	}
	if stats.Labelled != 2 || stats.Agreements != 1 {
		t.Errorf("expected 1 of 2 agreements, got %d/%d", stats.Agreements, stats.Labelled)
	}
	if stats.ManualReview != 1 || stats.Unverified != 1 {
		t.Errorf("expected 1 manual review and 1 unverified, got %d/%d", stats.ManualReview, stats.Unverified)
	}
	if stats.confusion["CONFIRMED"]["DISMISSED"] != 1 {
		t.Errorf("unexpected confusion %v", stats.confusion)
	}

	var out bytes.Buffer
	printResults(&out, stats, time.Second)
	if !strings.Contains(out.String(), "Agreement:  1 / 2") {
		t.Errorf("expected agreement line, got:\n%s", out.String())
	}
}
