// Load generator for exercising Kestrel with synthetic card traffic.
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -count 1000
//
// This tool:
//   1. Generates synthetic card transactions for a pool of accounts
//   2. Injects fraud-shaped traffic (bursts, outlier amounts, travel jumps)
//   3. Sends each transaction to Kestrel for scoring
//   4. Reports decision distribution and latency
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type city struct {
	Name    string
	Country string
	Lat     float64
	Lon     float64
}

var cities = []city{
	{"Dublin", "IE", 53.3498, -6.2603},
	{"Cork", "IE", 51.8985, -8.4756},
	{"Galway", "IE", 53.2707, -9.0568},
	{"Limerick", "IE", 52.6638, -8.6267},
	{"Waterford", "IE", 52.2593, -7.1101},
}

var farCities = []city{
	{"New York", "US", 40.7128, -74.0060},
	{"Lagos", "NG", 6.5244, 3.3792},
	{"Moscow", "RU", 55.7558, 37.6173},
}

var categories = []string{
	"grocery", "fuel", "restaurant", "retail", "pharmacy",
	"entertainment", "travel", "online_services",
}

var riskyCategories = []string{"crypto", "gambling", "wire_transfer"}

var channels = []string{"card_present", "online", "atm"}

// EvaluateRequest matches Kestrel's POST /evaluate payload.
type EvaluateRequest struct {
	ID               string   `json:"id"`
	AccountID        string   `json:"accountId"`
	Amount           int64    `json:"amount"`
	Currency         string   `json:"currency"`
	MerchantID       string   `json:"merchantId"`
	MerchantCategory string   `json:"merchantCategory"`
	Country          string   `json:"country"`
	City             string   `json:"city"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	Timestamp        string   `json:"timestamp"`
	Channel          string   `json:"channel"`
}

// EvaluateResponse is the subset of the response the generator cares about.
type EvaluateResponse struct {
	AssessmentID string   `json:"assessmentId"`
	Score        float64  `json:"score"`
	Decision     string   `json:"decision"`
	Reasons      []string `json:"reasons"`
}

// Metrics tracks load run results.
type Metrics struct {
	Approved int64
	Reviewed int64
	Blocked  int64
	Errors   int64

	Total     int64
	LatencyMs int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	count := flag.Int("count", 1000, "Number of transactions to send")
	accounts := flag.Int("accounts", 50, "Size of the synthetic account pool")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudRate := flag.Float64("fraud-rate", 0.05, "Fraction of fraud-shaped transactions (0.0-1.0)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            KESTREL LOADGEN - Synthetic Card Traffic           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL:  %s\n", *baseURL)
	fmt.Printf("Count:        %d\n", *count)
	fmt.Printf("Accounts:     %d\n", *accounts)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Fraud Rate:   %.2f\n", *fraudRate)
	fmt.Printf("Seed:         %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	rng := rand.New(rand.NewSource(*seed))
	transactions := generate(rng, *count, *accounts, *fraudRate)
	fmt.Printf("✓ Generated %d transactions\n", len(transactions))

	fmt.Printf("\nSending with %d workers...\n", *workers)
	start := time.Now()
	metrics := run(transactions, *baseURL, *workers, *verbose)
	printResults(metrics, time.Since(start))
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

func generate(rng *rand.Rand, count, accounts int, fraudRate float64) []EvaluateRequest {
	txs := make([]EvaluateRequest, 0, count)
	now := time.Now().UTC().Add(-time.Duration(count) * time.Second)

	for i := 0; i < count; i++ {
		accountID := fmt.Sprintf("acct-%04d", rng.Intn(accounts))
		ts := now.Add(time.Duration(i) * time.Second)

		if rng.Float64() < fraudRate {
			txs = append(txs, fraudulent(rng, accountID, i, ts))
			continue
		}
		txs = append(txs, legitimate(rng, accountID, i, ts))
	}

	return txs
}

func legitimate(rng *rand.Rand, accountID string, seq int, ts time.Time) EvaluateRequest {
	// Home city is stable per account so location history looks organic.
	home := cities[hash(accountID)%len(cities)]
	category := categories[rng.Intn(len(categories))]

	// Everyday spend, 5 to 150 EUR.
	amount := int64(500 + rng.Intn(14500))

	return EvaluateRequest{
		ID:               fmt.Sprintf("tx-%08d", seq),
		AccountID:        accountID,
		Amount:           amount,
		Currency:         "EUR",
		MerchantID:       fmt.Sprintf("merch-%s-%02d", category, rng.Intn(20)),
		MerchantCategory: category,
		Country:          home.Country,
		City:             home.Name,
		Latitude:         ptr(home.Lat),
		Longitude:        ptr(home.Lon),
		Timestamp:        ts.Format(time.RFC3339),
		Channel:          channels[rng.Intn(len(channels))],
	}
}

func fraudulent(rng *rand.Rand, accountID string, seq int, ts time.Time) EvaluateRequest {
	tx := legitimate(rng, accountID, seq, ts)

	switch rng.Intn(3) {
	case 0:
		// Amount outlier, 2000 to 10000 EUR.
		tx.Amount = int64(200000 + rng.Intn(800000))
		tx.MerchantCategory = riskyCategories[rng.Intn(len(riskyCategories))]
		tx.Channel = "online"
	case 1:
		// Implausible travel jump.
		far := farCities[rng.Intn(len(farCities))]
		tx.Country = far.Country
		tx.City = far.Name
		tx.Latitude = ptr(far.Lat)
		tx.Longitude = ptr(far.Lon)
	default:
		// Risky merchant at an odd amount.
		tx.MerchantCategory = riskyCategories[rng.Intn(len(riskyCategories))]
		tx.Amount = int64(50000 + rng.Intn(150000))
	}

	return tx
}

func run(transactions []EvaluateRequest, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan EvaluateRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := send(client, baseURL, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.LatencyMs, elapsed)
				atomic.AddInt64(&metrics.Total, 1)

				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.ID, err)
					}
					continue
				}

				switch result.Decision {
				case "approve":
					atomic.AddInt64(&metrics.Approved, 1)
				case "review":
					atomic.AddInt64(&metrics.Reviewed, 1)
				case "block":
					atomic.AddInt64(&metrics.Blocked, 1)
				}

				if verbose {
					fmt.Printf("%-12s | %-9s | %8.2f EUR | %-16s | score %.2f | %v\n",
						tx.ID,
						tx.AccountID,
						float64(tx.Amount)/100,
						tx.MerchantCategory,
						result.Score,
						result.Reasons,
					)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	wg.Wait()
	return metrics
}

func send(client *http.Client, baseURL string, tx EvaluateRequest) (*EvaluateResponse, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
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

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        LOADGEN RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DECISIONS\n")
	fmt.Printf("   Total:     %d\n", m.Total)
	fmt.Printf("   Approved:  %d\n", m.Approved)
	fmt.Printf("   Reviewed:  %d\n", m.Reviewed)
	fmt.Printf("   Blocked:   %d\n", m.Blocked)
	fmt.Printf("   Errors:    %d\n", m.Errors)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Total > 0 {
		avgMs := float64(m.LatencyMs) / float64(m.Total)
		tps := float64(m.Total) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}
	fmt.Println()
}

func ptr(f float64) *float64 { return &f }

func hash(s string) int {
	h := 0
	for _, c := range s {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
