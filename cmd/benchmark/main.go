// Benchmark tool for replaying labeled accounting documents against Kestrel.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/documents.csv -url http://localhost:8080
//
// This tool:
//   1. Reads a CSV of accounting documents with risk labels
//   2. Sends each document to Kestrel for scoring
//   3. Compares Kestrel's severity against the labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns: company_id, type, debtor_id, creditor_id,
// counterparty_id, counterparty_name, amount, currency, issue_date,
// reference, is_risky
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledDocument represents a row from the benchmark dataset
type LabeledDocument struct {
	CompanyID        string
	Type             string
	DebtorID         string
	CreditorID       string
	CounterpartyID   string
	CounterpartyName string
	Amount           float64
	Currency         string
	IssueDate        string
	Reference        string
	IsRisky          bool
}

// IngestRequest is the Kestrel API request format
type IngestRequest struct {
	CompanyID    string  `json:"companyId"`
	Type         string  `json:"type"`
	DebtorID     string  `json:"debtorId"`
	CreditorID   string  `json:"creditorId"`
	Counterparty Party   `json:"counterparty"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	IssueDate    string  `json:"issueDate,omitempty"`
	Reference    string  `json:"reference,omitempty"`
}

type Party struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// IngestResponse is the Kestrel API response format
type IngestResponse struct {
	DocumentID string `json:"documentId"`
	Mode       string `json:"mode"`
	Score      *struct {
		Score    float64 `json:"score"`
		Severity string  `json:"severity"`
	} `json:"score"`
	Alert *struct {
		ID string `json:"id"`
	} `json:"alert"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Risky document alerted
	FalsePositives int64 // Clean document alerted
	TrueNegatives  int64 // Clean document passed
	FalseNegatives int64 // Risky document passed (missed!)

	TotalProcessed int64
	TotalRisky     int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled document CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum documents to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	riskyOnly := flag.Bool("risky-only", false, "Only replay labeled-risky documents")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for clean documents (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each document result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/documents.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Labeled Document Replay          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Risky Only:  %v\n", *riskyOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read labeled data
	fmt.Printf("\nReading labeled documents from %s...\n", *csvPath)
	documents, err := readLabeledCSV(*csvPath, *limit, *riskyOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d documents\n", len(documents))

	// Count risky vs clean
	riskyCount := 0
	for _, doc := range documents {
		if doc.IsRisky {
			riskyCount++
		}
	}
	fmt.Printf("  - Risky: %d (%.2f%%)\n", riskyCount, 100*float64(riskyCount)/float64(len(documents)))
	fmt.Printf("  - Clean: %d (%.2f%%)\n", len(documents)-riskyCount, 100*float64(len(documents)-riskyCount)/float64(len(documents)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(documents, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
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

func readLabeledCSV(path string, limit int, riskyOnly bool, sampleRate float64) ([]LabeledDocument, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	var documents []LabeledDocument
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isRisky := record[colIndex["is_risky"]] == "1"

		// Apply filters
		if riskyOnly && !isRisky {
			continue
		}

		// Sample clean documents
		if !isRisky && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)

		doc := LabeledDocument{
			CompanyID:        record[colIndex["company_id"]],
			Type:             record[colIndex["type"]],
			DebtorID:         record[colIndex["debtor_id"]],
			CreditorID:       record[colIndex["creditor_id"]],
			CounterpartyID:   record[colIndex["counterparty_id"]],
			CounterpartyName: record[colIndex["counterparty_name"]],
			Amount:           amount,
			Currency:         record[colIndex["currency"]],
			IssueDate:        record[colIndex["issue_date"]],
			Reference:        record[colIndex["reference"]],
			IsRisky:          isRisky,
		}

		documents = append(documents, doc)

		if limit > 0 && len(documents) >= limit {
			break
		}
	}

	return documents, nil
}

func runBenchmark(documents []LabeledDocument, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan LabeledDocument, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for doc := range work {
				start := time.Now()
				result, err := scoreDocument(client, baseURL, tenantID, doc)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", doc.Reference, err)
					}
					continue
				}

				// Track actual labels
				if doc.IsRisky {
					atomic.AddInt64(&metrics.TotalRisky, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}

				// Calculate confusion matrix. Alert creation is the
				// positive prediction.
				predicted := result.Alert != nil
				actual := doc.IsRisky

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if (predicted && !actual) || (!predicted && actual) {
						status = "✗"
					}
					severity := "-"
					scoreValue := 0.0
					if result.Score != nil {
						severity = result.Score.Severity
						scoreValue = result.Score.Score
					}
					fmt.Printf("%s %-14s | Type: %-8s | Amount: ₺%12.2f | Risky: %-5v | Kestrel: %-8s (%.0f) | Alert: %v\n",
						status,
						doc.Reference,
						doc.Type,
						doc.Amount,
						doc.IsRisky,
						severity,
						scoreValue,
						predicted,
					)
				}
			}
		}()
	}

	// Send work
	for _, doc := range documents {
		work <- doc
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func scoreDocument(client *http.Client, baseURL, tenantID string, doc LabeledDocument) (*IngestResponse, error) {
	req := IngestRequest{
		CompanyID:  doc.CompanyID,
		Type:       doc.Type,
		DebtorID:   doc.DebtorID,
		CreditorID: doc.CreditorID,
		Counterparty: Party{
			ID:   doc.CounterpartyID,
			Name: doc.CounterpartyName,
		},
		Amount:    doc.Amount,
		Currency:  doc.Currency,
		IssueDate: doc.IssueDate,
		Reference: doc.Reference,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/documents", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Risky:      %d\n", m.TotalRisky)
	fmt.Printf("   Total Clean:      %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   ALERT       CLEAN")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  R  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were labeled risky)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of risky documents, how many alerted)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalRisky > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalRisky) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalRisky) * 100
		fmt.Printf("   Risky Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalRisky, detectionRate)
		fmt.Printf("   Risky Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalRisky, missRate)
	}
	if m.TotalClean > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalClean) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalClean, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		dps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f docs/sec\n", dps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most risky documents")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some risky documents")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant risk being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most risky documents are being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - alerts are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
