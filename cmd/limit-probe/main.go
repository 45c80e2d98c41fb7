package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"limit-probe/internal/indodax"
	"limit-probe/internal/probe"
)

func main() {
	baseURL := flag.String("base-url", envOr("INDODAX_BASE_URL", "https://indodax.com/tapi"), "Indodax trade API base URL")
	apiKey := flag.String("api-key", envOr("INDODAX_API_KEY", ""), "Indodax API key")
	secretKey := flag.String("secret-key", envOr("INDODAX_SECRET_KEY", ""), "Indodax secret key for request signing")
	pairs := flag.String("pairs", "btc_idr", "Comma-separated trading pairs, one channel each")
	requests := flag.Int("requests", 20, "Requests issued per channel")
	mode := flag.String("mode", "fixed-cadence", "Pacing mode: fixed-cadence|adaptive-backoff")
	initialDelay := flag.Duration("initial-delay", probe.DefaultInitialDelay, "Delay between requests (starting delay in adaptive mode)")
	backoffCeiling := flag.Duration("backoff-ceiling", probe.DefaultBackoffCeiling, "Upper bound for adaptive backoff delay")
	marker := flag.String("rate-limit-marker", "", "Override the error text that marks a rate-limit response")
	price := flag.String("price", "", "Override limit price used in probe orders")
	amount := flag.String("amount", "", "Override order amount used in probe orders")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-request HTTP timeout")
	runTimeout := flag.Duration("run-timeout", 10*time.Minute, "Overall run deadline")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full report JSON to this file")
	strict := flag.Bool("strict", false, "Exit non-zero if any request was rate limited")
	flag.Parse()

	if strings.TrimSpace(*apiKey) == "" {
		exitWith("INDODAX_API_KEY or -api-key is required")
	}
	if strings.TrimSpace(*secretKey) == "" {
		exitWith("INDODAX_SECRET_KEY or -secret-key is required")
	}
	parsedMode, err := probe.ParseMode(*mode)
	if err != nil {
		exitWith(err.Error())
	}
	channels := splitPairs(*pairs)
	if len(channels) == 0 {
		exitWith("-pairs must name at least one trading pair")
	}

	client := indodax.NewClient(indodax.Config{
		BaseURL:   *baseURL,
		APIKey:    *apiKey,
		SecretKey: *secretKey,
		Timeout:   *timeout,
	})
	builder := probe.NewBuilder(probe.BuilderConfig{
		SecretKey: *secretKey,
		Price:     *price,
		Amount:    *amount,
	})
	transport := probe.NewHTTPTransport(client, *marker)
	dispatcher := probe.NewDispatcher(builder, transport)

	ctx, cancel := context.WithTimeout(context.Background(), *runTimeout)
	defer cancel()

	run, runErr := dispatcher.RunAll(ctx, probe.RunConfig{
		Channels:           channels,
		RequestsPerChannel: *requests,
		Mode:               parsedMode,
		InitialDelay:       *initialDelay,
		BackoffCeiling:     *backoffCeiling,
	})
	report := probe.BuildReport(*baseURL, parsedMode, run)

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(report)
	default:
		printText(report)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeReport(*outputPath, report); err != nil {
			exitWith("failed to write report: " + err.Error())
		}
	}
	if runErr != nil {
		exitWith("run aborted: " + runErr.Error())
	}
	if *strict && report.TotalRateLimited > 0 {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func splitPairs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		pair := strings.ToLower(strings.TrimSpace(part))
		if pair != "" {
			out = append(out, pair)
		}
	}
	return out
}

func printText(report probe.Report) {
	fmt.Printf("Endpoint: %s\n", report.Endpoint)
	fmt.Printf("Mode: %s\n", report.Mode)
	fmt.Printf("Generated: %s\n\n", report.GeneratedAt)

	for _, channel := range report.Channels {
		fmt.Printf("[%s] requests=%d ok=%d app_err=%d decode_err=%d transport_err=%d\n",
			channel.Pair, channel.Requests, channel.OK,
			channel.AppErrors, channel.DecodeErrors, channel.TransportErrors)
		if channel.RateLimited > 0 {
			fmt.Printf("  rate limited: %d (first at seq %d)\n", channel.RateLimited, channel.FirstLimitedSeq)
		}
		fmt.Printf("  latency ms: min=%.0f p50=%.0f p95=%.0f max=%.0f stddev=%.1f\n",
			channel.LatencyMinMS, channel.LatencyP50MS, channel.LatencyP95MS,
			channel.LatencyMaxMS, channel.LatencyStddevMS)
		if channel.MeanIntervalMS > 0 {
			fmt.Printf("  mean issue interval: %.1fms\n", channel.MeanIntervalMS)
		}
		if len(channel.ErrorCodes) > 0 {
			codesJSON, _ := json.Marshal(channel.ErrorCodes)
			fmt.Printf("  error codes: %s\n", codesJSON)
		}
		fmt.Println()
	}

	fmt.Printf("Totals: requests=%d ok=%d rate_limited=%d\n",
		report.TotalRequests, report.TotalOK, report.TotalRateLimited)
}

func printJSON(report probe.Report) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		exitWith("failed to encode report JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeReport(path string, report probe.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, message)
	os.Exit(1)
}
