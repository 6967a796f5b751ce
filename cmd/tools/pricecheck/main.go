package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/order-console/internal/app"
	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/config"
	"github.com/noah-isme/order-console/internal/currency"
	"github.com/noah-isme/order-console/internal/lineitem"
	"github.com/noah-isme/order-console/internal/pricing"
	"github.com/noah-isme/order-console/internal/upstream"
)

// pricecheck re-derives an order's total from the upstream catalog and
// reports drift against the stored total.
// Exit code 0 = match, 1 = drift, 2 = other error.
func main() {
	orderID := flag.String("order", "", "upstream order id")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	if *orderID == "" {
		fmt.Fprintln(os.Stderr, "usage: pricecheck -order <id>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("load config: %v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	drift, err := run(ctx, cfg, *orderID)
	if err != nil {
		log.Printf("pricecheck: %v", err)
		os.Exit(2)
	}
	if drift {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, orderID string) (bool, error) {
	normalizer, err := app.NewNormalizer(cfg)
	if err != nil {
		return false, err
	}

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:  cfg.UpstreamBaseURL,
		Username: cfg.UpstreamUsername,
		Password: cfg.UpstreamPassword,
		HTTP: upstream.NewHTTPClient(upstream.HTTPOptions{
			Timeout:     cfg.UpstreamTimeout,
			MaxAttempts: cfg.UpstreamRetryMaxAttempts,
			RetryBase:   cfg.UpstreamRetryBase,
			RetryJitter: cfg.UpstreamRetryJitterPercent,
			Logger:      zerolog.Nop(),
		}),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		return false, err
	}

	order, err := client.ReadOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("read order %s: %w", orderID, err)
	}

	// No cache: always price against the live listing.
	products, err := catalog.NewService(catalog.ServiceConfig{
		Source:   upstream.CatalogSource{Client: client},
		PageSize: cfg.CatalogPageSize,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		return false, err
	}
	entries, err := products.LoadAll(ctx)
	if err != nil {
		return false, err
	}
	idx := catalog.NewIndex(entries)

	return report(os.Stdout, order, idx, normalizer), nil
}

// report writes the per-item breakdown and totals and reports whether the
// stored total differs from the derived one.
func report(w io.Writer, order upstream.Order, idx *catalog.Index, n currency.Normalizer) bool {
	items := lineitem.Decode(order.OrderItems)
	ref := n.Table().Reference()
	fmt.Fprintf(w, "order %s: %s\n", order.ID, lineitem.Summarize(items))
	for _, it := range items {
		sub := pricing.ItemSubtotal(it, idx, n)
		label := it.ProductRef
		if e, ok := idx.Get(it.ProductRef); ok {
			label = e.Label()
		} else {
			label += " (not in catalog)"
		}
		fmt.Fprintf(w, "  %-40s x%-4d %s\n", label, it.Quantity, sub.Display(ref))
	}

	stored := pricing.Round2(order.StoredTotal())
	derived := pricing.Derive(items, idx, n)
	fmt.Fprintf(w, "stored:  %s\n", currency.Format(stored, string(ref)))
	fmt.Fprintf(w, "derived: %s\n", currency.Format(derived, string(ref)))
	if drift := derived.Sub(stored); !drift.IsZero() {
		fmt.Fprintf(w, "drift:   %s\n", currency.Format(drift, string(ref)))
		return true
	}
	fmt.Fprintln(w, "drift:   none")
	return false
}
