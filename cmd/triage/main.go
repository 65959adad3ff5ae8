// Triage replays a queue of restricted accounts against a running Talon server.
//
// Usage:
//
//	go run ./cmd/triage -csv cases.csv -url http://localhost:8080
//
// The CSV needs an account_id column. An optional expected_verdict column
// (CONFIRMED, DISMISSED, NOT_APPLICABLE) holds the investigators' decision;
// when present, the tool reports how often Talon agrees with it.
package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Case is one row of the input queue.
type Case struct {
	AccountID string
	Expected  string
}

// EvaluateResponse is the subset of the evaluation response the tool reads.
type EvaluateResponse struct {
	DecisionID        string `json:"decisionId"`
	Verdict           string `json:"verdict"`
	ReasonCode        string `json:"reasonCode"`
	Verified          bool   `json:"verified"`
	NeedsManualReview bool   `json:"needsManualReview"`
}

// Stats tracks the replay results.
type Stats struct {
	Processed    int64
	Errors       int64
	ManualReview int64
	Unverified   int64
	Labelled     int64
	Agreements   int64

	ProcessingTimeMs int64

	mu       sync.Mutex
	verdicts map[string]int
	reasons  map[string]int
	// expected -> actual
	confusion map[string]map[string]int
}

func newStats() *Stats {
	return &Stats{
		verdicts:  make(map[string]int),
		reasons:   make(map[string]int),
		confusion: make(map[string]map[string]int),
	}
}

func (s *Stats) record(c Case, res *EvaluateResponse) {
	if res.NeedsManualReview {
		atomic.AddInt64(&s.ManualReview, 1)
	}
	if !res.Verified {
		atomic.AddInt64(&s.Unverified, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[res.Verdict]++
	s.reasons[res.ReasonCode]++

	if c.Expected == "" {
		return
	}
	s.Labelled++
	if c.Expected == res.Verdict {
		s.Agreements++
	}
	if s.confusion[c.Expected] == nil {
		s.confusion[c.Expected] = make(map[string]int)
	}
	s.confusion[c.Expected][res.Verdict]++
}

func main() {
	csvPath := flag.String("csv", "", "Path to the case CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Talon base URL")
	tenantID := flag.String("tenant", "triage", "Tenant ID for requests")
	limit := flag.Int("limit", 0, "Maximum cases to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each case result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: triage -csv /path/to/cases.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|                  TALON TRIAGE - Case Replay                   |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Talon URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Talon not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Talon is running:")
		fmt.Println("  go run ./cmd/talon")
		os.Exit(1)
	}
	fmt.Println("Talon is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	cases, err := readCases(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d cases\n", len(cases))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	stats := run(cases, *baseURL, *tenantID, *workers, *verbose)
	printResults(os.Stdout, stats, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCases parses the case queue. Rows without an account id are skipped.
func readCases(r io.Reader, limit int) ([]Case, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	idCol, ok := colIndex["account_id"]
	if !ok {
		return nil, errors.New("missing account_id column")
	}
	expectedCol, hasExpected := colIndex["expected_verdict"]

	var cases []Case
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		if idCol >= len(record) || strings.TrimSpace(record[idCol]) == "" {
			continue
		}

		c := Case{AccountID: strings.TrimSpace(record[idCol])}
		if hasExpected && expectedCol < len(record) {
			c.Expected = strings.ToUpper(strings.TrimSpace(record[expectedCol]))
		}
		cases = append(cases, c)

		if limit > 0 && len(cases) >= limit {
			break
		}
	}
	return cases, nil
}

func run(cases []Case, baseURL, tenantID string, numWorkers int, verbose bool) *Stats {
	stats := newStats()
	if numWorkers <= 0 {
		numWorkers = 1
	}

	work := make(chan Case, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for c := range work {
				start := time.Now()
				res, err := evaluate(client, baseURL, tenantID, c.AccountID)
				atomic.AddInt64(&stats.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&stats.Processed, 1)

				if err != nil {
					atomic.AddInt64(&stats.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.AccountID, err)
					}
					continue
				}
				stats.record(c, res)

				if verbose {
					mark := " "
					if c.Expected != "" && c.Expected != res.Verdict {
						mark = "x"
					}
					fmt.Printf("%s %-14s | %-14s | %-28s | review: %v\n",
						mark, c.AccountID, res.Verdict, res.ReasonCode, res.NeedsManualReview)
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)
	wg.Wait()

	return stats
}

func evaluate(client *http.Client, baseURL, tenantID, accountID string) (*EvaluateResponse, error) {
	endpoint := baseURL + "/accounts/" + url.PathEscape(accountID) + "/evaluate"
	req, err := http.NewRequest(http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(w io.Writer, s *Stats, duration time.Duration) {
	fmt.Fprintln(w, "\n+---------------------------------------------------------------+")
	fmt.Fprintln(w, "|                        TRIAGE RESULTS                         |")
	fmt.Fprintln(w, "+---------------------------------------------------------------+")

	fmt.Fprintf(w, "\nCASES\n")
	fmt.Fprintf(w, "   Processed:      %d\n", s.Processed)
	fmt.Fprintf(w, "   Errors:         %d\n", s.Errors)
	fmt.Fprintf(w, "   Manual review:  %d\n", s.ManualReview)
	fmt.Fprintf(w, "   Unverified:     %d\n", s.Unverified)

	fmt.Fprintf(w, "\nVERDICTS\n")
	for _, k := range sortedKeys(s.verdicts) {
		fmt.Fprintf(w, "   %-16s %d\n", k, s.verdicts[k])
	}

	fmt.Fprintf(w, "\nREASONS\n")
	for _, k := range sortedKeys(s.reasons) {
		fmt.Fprintf(w, "   %-28s %d\n", k, s.reasons[k])
	}

	if s.Labelled > 0 {
		fmt.Fprintf(w, "\nAGREEMENT WITH INVESTIGATORS\n")
		fmt.Fprintf(w, "   Agreement:  %d / %d (%.2f%%)\n", s.Agreements, s.Labelled, 100*float64(s.Agreements)/float64(s.Labelled))
		for _, expected := range sortedKeys(s.confusion) {
			for _, actual := range sortedKeys(s.confusion[expected]) {
				fmt.Fprintf(w, "   expected %-16s got %-16s %d\n", expected, actual, s.confusion[expected][actual])
			}
		}
	}

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if s.Processed > 0 {
		fmt.Fprintf(w, "   Avg Latency:      %.2f ms\n", float64(s.ProcessingTimeMs)/float64(s.Processed))
		fmt.Fprintf(w, "   Throughput:       %.2f cases/sec\n", float64(s.Processed)/duration.Seconds())
	}
	fmt.Fprintln(w)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
