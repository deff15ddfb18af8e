// neuroloop-check runs the pre-flight diagnostic: configuration,
// signing, chain integrity and the configured storage tiers, each
// exercised end to end before the server is allowed near patient data.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/neuroloop/backend/internal/config"
	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/events"
	"github.com/neuroloop/backend/internal/ledger"
	"github.com/neuroloop/backend/internal/storage"
)

type Component struct {
	Name string
	Test func() error
}

var (
	configPath = flag.String("config", "", "path to config.yaml")
	timeout    = flag.Duration("timeout", 5*time.Second, "per-check budget for remote tiers")
)

func main() {
	flag.Parse()

	fmt.Println("\033[96mNeuroLoop Signal Platform - Pre-Flight Diagnostic v1.0\033[0m")
	fmt.Println("---------------------------------------------------------")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Checking %-28s \033[31m[FAIL]\033[0m\n", "Configuration...")
		fmt.Printf("  >> Error: %v\n", err)
		os.Exit(1)
	}

	components := []Component{
		{"Configuration", func() error { return checkConfig(cfg) }},
		{"Event Signer (RSA-PSS)", checkSigner},
		{"Hash Chain (SHA-256)", checkChain},
		{"Row Tier (Redis)", func() error { return checkRowTier(cfg) }},
		{"Document Tier (Supabase)", func() error { return checkDocumentTier(cfg) }},
		{"Warehouse Tier", func() error { return checkWarehouse(cfg) }},
		{"Ledger Queue", func() error { return checkQueue(cfg) }},
	}

	failures := 0
	for _, c := range components {
		fmt.Printf("Checking %-28s ", c.Name+"...")
		if err := c.Test(); err != nil {
			failures++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failures > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed. Resolve before serving sessions.\033[0m\n", failures)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: System Ready for Signal Traffic.\033[0m")
}

// --- Diagnostic Implementations ---

func checkConfig(cfg *config.Config) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server port is empty")
	}
	if cfg.Processing.CadenceMs <= 0 {
		return fmt.Errorf("processing cadence must be positive, got %.0f", cfg.Processing.CadenceMs)
	}
	if cfg.Queue.Kind == "pubsub" && cfg.Queue.ProjectID == "" {
		return fmt.Errorf("pubsub queue selected but NEUROLOOP_PROJECT is unset")
	}
	return nil
}

// checkSigner signs a probe event and verifies it round-trip.
func checkSigner() error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	signer, err := ledger.NewEventSigner(ctx, ledger.NewLocalSigner(), "preflight")
	if err != nil {
		return err
	}

	probe := &core.LedgerEvent{
		EventID:      "preflight-probe",
		Timestamp:    core.FormatTimestamp(time.Now()),
		EventType:    core.EventAuthSuccess,
		PreviousHash: core.GenesisHash,
	}
	hash, err := ledger.ComputeEventHash(probe, core.GenesisHash)
	if err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	probe.EventHash = hash

	if err := signer.SignEvent(ctx, probe); err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := signer.VerifyEvent(ctx, probe); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

// checkChain builds a three-event chain on in-memory components and
// verifies genesis anchoring, linkage and hashes.
func checkChain() error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	warehouse := storage.NewMemoryWarehouse()
	signer, err := ledger.NewEventSigner(ctx, ledger.NewLocalSigner(), "preflight")
	if err != nil {
		return err
	}
	proc, err := ledger.NewProcessor(ledger.ProcessorConfig{
		Row:       storage.NewMemoryRowStore(),
		Documents: storage.NewMemoryDocumentStore(),
		Warehouse: warehouse,
		Signer:    signer,
	})
	if err != nil {
		return err
	}
	bus := events.NewEventBus(16)
	bus.Subscribe(proc.Handle)
	bus.Start(ctx)
	defer bus.Close()

	led, err := ledger.New(ledger.Config{
		Queue:     bus,
		Warehouse: warehouse,
		Signer:    signer,
		Clock:     core.RealClock{},
	})
	if err != nil {
		return err
	}
	if err := led.Start(ctx); err != nil {
		return err
	}

	for _, et := range []core.EventType{core.EventSessionCreated, core.EventDataIngested, core.EventSessionEnded} {
		if _, err := led.LogEvent(ctx, et, ledger.WithSession("preflight")); err != nil {
			return fmt.Errorf("log %s: %w", et, err)
		}
	}

	// Give the queue a moment to drain into the warehouse.
	deadline := time.Now().Add(*timeout)
	for {
		report, err := led.VerifyChainIntegrity(ctx, time.Unix(0, 0).UTC(), time.Now().Add(time.Second))
		if err != nil {
			return err
		}
		if report.Valid && report.EventCount == 3 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("chain incomplete: valid=%v events=%d", report.Valid, report.EventCount)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func checkRowTier(cfg *config.Config) error {
	if cfg.Storage.RedisAddr == "" {
		fmt.Print("(not configured) ")
		return nil
	}
	store, err := storage.NewRedisRowStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, 0)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	_, err = store.RecentEvents(ctx, 1)
	return err
}

func checkDocumentTier(cfg *config.Config) error {
	if cfg.Storage.SupabaseURL == "" {
		fmt.Print("(not configured) ")
		return nil
	}
	_, err := storage.NewSupabaseDocumentStore()
	return err
}

func checkWarehouse(cfg *config.Config) error {
	switch cfg.Storage.Warehouse {
	case "postgres":
		store, err := storage.NewPostgresWarehouse(cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		_, err = store.LatestEventHash(ctx)
		return err
	case "spanner":
		if cfg.Storage.SpannerDatabase == "" {
			return fmt.Errorf("spanner warehouse selected but SPANNER_DATABASE is unset")
		}
		fmt.Print("(credential check deferred to boot) ")
		return nil
	default:
		fmt.Print("(in-memory) ")
		return nil
	}
}

func checkQueue(cfg *config.Config) error {
	if cfg.Queue.Kind != "pubsub" {
		fmt.Print("(in-memory) ")
		return nil
	}
	bus, err := events.NewPubSubEventBus(cfg.Queue.ProjectID, cfg.Queue.Topic)
	if err != nil {
		return err
	}
	return bus.Close()
}
