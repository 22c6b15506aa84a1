// Command loadgen posts synthetic documents to a running docindexer and
// prints a latency summary.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	baseURL     string
	index       string
	requests    int
	concurrency int
	timeout     time.Duration
	fieldSize   int
	flush       bool
}

type result struct {
	status  int
	latency time.Duration
	err     error
	snippet string
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:          "loadgen",
		Short:        "Send synthetic documents to docindexer's ingest API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.requests <= 0 || opts.concurrency <= 0 {
				return fmt.Errorf("requests and concurrency must be > 0")
			}
			if opts.concurrency > opts.requests {
				opts.concurrency = opts.requests
			}
			results, elapsed, err := run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Print(summarize(opts, results, elapsed))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "url", "http://localhost:8080", "docindexer base URL")
	f.StringVar(&opts.index, "index", "loadgen", "target index")
	f.IntVar(&opts.requests, "requests", 10000, "total number of documents to send")
	f.IntVar(&opts.concurrency, "concurrency", 100, "number of concurrent senders")
	f.DurationVar(&opts.timeout, "timeout", 60*time.Second, "per-request timeout")
	f.IntVar(&opts.fieldSize, "field-size", 256, "bytes of filler text per document")
	f.BoolVar(&opts.flush, "flush", true, "call /v1/_flush after the last document")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) ([]result, time.Duration, error) {
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.baseURL, "/")).
		SetTimeout(opts.timeout).
		SetHeader("Content-Type", "application/json")

	filler := strings.Repeat("x", opts.fieldSize)
	results := make([]result, opts.requests)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	start := time.Now()
	for i := 0; i < opts.requests; i++ {
		i := i
		g.Go(func() error {
			doc := map[string]any{
				"seq":     i,
				"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
				"filler":  filler,
			}
			resp, err := client.R().
				SetContext(ctx).
				SetBody(doc).
				SetPathParams(map[string]string{"index": opts.index, "id": uuid.NewString()}).
				Put("/v1/{index}/_doc/{id}")
			if err != nil {
				results[i] = result{err: err}
				return nil
			}
			r := result{status: resp.StatusCode(), latency: resp.Time()}
			if resp.IsError() {
				r.snippet = truncate(strings.TrimSpace(resp.String()), 120)
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	if opts.flush {
		if _, err := client.R().Post("/v1/_flush"); err != nil {
			return results, elapsed, fmt.Errorf("flush: %w", err)
		}
	}
	return results, elapsed, nil
}

func summarize(opts options, results []result, elapsed time.Duration) string {
	var (
		b          strings.Builder
		latencies  []time.Duration
		accepted   int
		failed     int
		statuses   = make(map[int]int)
		errorKinds = make(map[string]int)
	)

	for _, r := range results {
		switch {
		case r.err != nil:
			failed++
			errorKinds[r.err.Error()]++
			continue
		case r.status == 202:
			accepted++
		default:
			failed++
			errorKinds[fmt.Sprintf("HTTP %d: %s", r.status, r.snippet)]++
		}
		statuses[r.status]++
		latencies = append(latencies, r.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Fprintln(&b, "=== Load Summary ===")
	fmt.Fprintf(&b, "URL:            %s (index %s)\n", opts.baseURL, opts.index)
	fmt.Fprintf(&b, "Documents:      %d\n", len(results))
	fmt.Fprintf(&b, "Concurrency:    %d\n", opts.concurrency)
	fmt.Fprintf(&b, "Accepted:       %d\n", accepted)
	fmt.Fprintf(&b, "Errors:         %d\n", failed)
	fmt.Fprintf(&b, "Total Elapsed:  %v\n", elapsed)
	if elapsed > 0 {
		fmt.Fprintf(&b, "Throughput:     %.1f docs/s\n", float64(accepted)/elapsed.Seconds())
	}
	fmt.Fprintf(&b, "Status Counts:  %v\n", statuses)
	if len(latencies) > 0 {
		fmt.Fprintf(&b, "P50 Latency:    %v\n", percentile(latencies, 0.50))
		fmt.Fprintf(&b, "P90 Latency:    %v\n", percentile(latencies, 0.90))
		fmt.Fprintf(&b, "P99 Latency:    %v\n", percentile(latencies, 0.99))
	}

	if len(errorKinds) > 0 {
		type kv struct {
			k string
			v int
		}
		arr := make([]kv, 0, len(errorKinds))
		for k, v := range errorKinds {
			arr = append(arr, kv{k, v})
		}
		sort.Slice(arr, func(i, j int) bool { return arr[i].v > arr[j].v })
		fmt.Fprintln(&b, "Top Error Kinds:")
		for i := 0; i < len(arr) && i < 10; i++ {
			fmt.Fprintf(&b, "  %d) %s  (count=%d)\n", i+1, arr[i].k, arr[i].v)
		}
	}
	return b.String()
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
