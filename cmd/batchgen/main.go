package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vnmchuo/penny-counter/internal/batchgen"
)

const defaultURL = "http://localhost:8080"

func main() {
	total := pflag.Int64("total", 100_000, "Total receipts to generate")
	batchSize := pflag.Int64("batch-size", 10_000, "Receipts per batch")
	tenant := pflag.String("tenant", "batch-generator", "Tenant ID")
	url := pflag.String("url", defaultURL, "Counter API URL")
	pflag.Parse()

	fmt.Println("=== Batch Receipt Generator ===")
	fmt.Printf("Target: %d receipts\n", *total)
	fmt.Printf("Batch size: %d\n", *batchSize)
	fmt.Printf("API: %s\n\n", *url)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := batchgen.New(batchgen.Config{
		URL:       *url,
		TenantID:  *tenant,
		Total:     *total,
		BatchSize: *batchSize,
	}, nil, os.Stdout)

	sum, err := g.Run(ctx)
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stopped after %d receipts: %v\n", sum.Generated, err)
		os.Exit(1)
	}

	fmt.Println("=== Complete ===")
	fmt.Printf("Generated: %d receipts\n", sum.Generated)
	fmt.Printf("Time: %.1fs\n", sum.Elapsed.Seconds())
	fmt.Printf("Rate: %.0f receipts/second\n", sum.Rate())
}
