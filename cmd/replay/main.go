// Replay tool for testing Kestrel against labeled transaction data.
//
// Usage:
//   go run cmd/replay/main.go -csv /path/to/transactions.csv -url http://localhost:8080
//
// This tool:
//   1. Reads labeled transaction data (with is_fraud ground truth)
//   2. Sends each transaction to Kestrel for scoring
//   3. Compares Kestrel's verdict with the actual fraud labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns (header row required, order free):
//   user_id, merchant_id, amount, is_fraud
// plus optional: transaction_id, currency, transaction_type, channel,
//   country, device_id, timestamp (RFC 3339)
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

// LabeledTransaction is one CSV row: a scoring request plus its ground truth.
type LabeledTransaction struct {
	TransactionID string
	UserID        string
	MerchantID    string
	Amount        float64
	Currency      string
	Type          string
	Channel       string
	Country       string
	DeviceID      string
	Timestamp     string
	IsFraud       bool
}

// ScoreRequest is the Kestrel API request format.
type ScoreRequest struct {
	TransactionID string  `json:"transaction_id"`
	UserID        string  `json:"user_id"`
	MerchantID    string  `json:"merchant_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Type          string  `json:"transaction_type"`
	Channel       string  `json:"channel"`
	Country       string  `json:"country,omitempty"`
	DeviceID      string  `json:"device_id,omitempty"`
	Timestamp     string  `json:"timestamp,omitempty"`
}

// ScoreResult is the Kestrel API response format.
type ScoreResult struct {
	TransactionID string  `json:"transaction_id"`
	FraudScore    float64 `json:"fraud_score"`
	IsFraud       bool    `json:"is_fraud"`
	RiskLevel     string  `json:"risk_level"`
	Decision      string  `json:"decision"`
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  int64 // Fraud flagged as fraud
	FalsePositives int64 // Non-fraud flagged as fraud
	TrueNegatives  int64 // Non-fraud passed
	FalseNegatives int64 // Fraud passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	Approved int64
	Reviewed int64
	Declined int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled transaction CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only replay fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           KESTREL REPLAY - Labeled Fraud Detection            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read labeled data
	fmt.Printf("\nReading labeled data from %s...\n", *csvPath)
	transactions, err := readLabeledCSV(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	// Count fraud vs non-fraud
	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	// Run replay
	fmt.Printf("\nRunning replay with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runReplay(transactions, *baseURL, *workers, *verbose)
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

func readLabeledCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]LabeledTransaction, error) {
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
	for _, required := range []string{"user_id", "merchant_id", "amount", "is_fraud"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	get := func(record []string, col, fallback string) string {
		idx, ok := colIndex[col]
		if !ok || idx >= len(record) || record[idx] == "" {
			return fallback
		}
		return record[idx]
	}

	// Generated ids carry a run nonce so re-running the same file does not
	// collide with decisions already committed to the ledger.
	runNonce := time.Now().UnixNano() % 1_000_000

	var transactions []LabeledTransaction
	sampleCounter := 0
	rowNum := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		rowNum++

		isFraud := get(record, "is_fraud", "0") == "1"

		// Apply filters
		if fraudOnly && !isFraud {
			continue
		}

		// Sample non-fraud transactions
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		amount, _ := strconv.ParseFloat(get(record, "amount", "0"), 64)

		tx := LabeledTransaction{
			TransactionID: get(record, "transaction_id",
				fmt.Sprintf("replay-%06d-%06d", runNonce, rowNum)),
			UserID:     get(record, "user_id", ""),
			MerchantID: get(record, "merchant_id", ""),
			Amount:     amount,
			Currency:   get(record, "currency", "USD"),
			Type:       get(record, "transaction_type", "purchase"),
			Channel:    get(record, "channel", "online"),
			Country:    get(record, "country", ""),
			DeviceID:   get(record, "device_id", ""),
			Timestamp:  get(record, "timestamp", ""),
			IsFraud:    isFraud,
		}

		transactions = append(transactions, tx)

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func runReplay(transactions []LabeledTransaction, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan LabeledTransaction, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := scoreTransaction(client, baseURL, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.TransactionID, err)
					}
					continue
				}

				// Track actual labels
				if tx.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				// Track outcome distribution
				switch result.Decision {
				case "approve":
					atomic.AddInt64(&metrics.Approved, 1)
				case "review":
					atomic.AddInt64(&metrics.Reviewed, 1)
				case "decline":
					atomic.AddInt64(&metrics.Declined, 1)
				}

				// Calculate confusion matrix
				predicted := result.IsFraud
				actual := tx.IsFraud

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
					user := tx.UserID
					if len(user) > 10 {
						user = user[:10]
					}
					fmt.Printf("%s %-10s | Type: %-10s | Amount: $%12.2f | Fraud: %-5v | Kestrel: %-7s (%.3f)\n",
						status,
						user,
						tx.Type,
						tx.Amount,
						tx.IsFraud,
						result.Decision,
						result.FraudScore,
					)
				}
			}
		}()
	}

	// Send work
	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func scoreTransaction(client *http.Client, baseURL string, tx LabeledTransaction) (*ScoreResult, error) {
	req := ScoreRequest{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		MerchantID:    tx.MerchantID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Type:          tx.Type,
		Channel:       tx.Channel,
		Country:       tx.Country,
		DeviceID:      tx.DeviceID,
		Timestamp:     tx.Timestamp,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        REPLAY RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n⚖️  OUTCOME DISTRIBUTION\n")
	fmt.Printf("   Approved:  %d\n", m.Approved)
	fmt.Printf("   Reviewed:  %d\n", m.Reviewed)
	fmt.Printf("   Declined:  %d\n", m.Declined)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   Fraud      Legit")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
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
	fmt.Printf("   Precision:  %.4f  (of flagged, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalFraud) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalFraud) * 100
		fmt.Printf("   Fraud Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, detectionRate)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalFraud, missRate)
	}
	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant fraud being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
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
