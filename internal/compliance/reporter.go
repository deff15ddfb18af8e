package compliance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/ledger"
	"github.com/neuroloop/backend/internal/storage"
)

// ChainVerifier is the slice of the ledger facade the reporter uses to
// fold chain health into each report.
type ChainVerifier interface {
	VerifyChainIntegrity(ctx context.Context, start, end time.Time) (*ledger.VerificationReport, error)
}

// Report summarises one reporting window rebuilt from the warehouse.
type Report struct {
	GeneratedAt string         `json:"generated_at"`
	WindowStart string         `json:"window_start"`
	WindowEnd   string         `json:"window_end"`
	TotalEvents int            `json:"total_events"`
	ByType      map[string]int `json:"event_type_totals"`
	ByCategory  map[string]int `json:"category_totals"`

	CriticalEvents    int     `json:"critical_events"`
	SignedCritical    int     `json:"signed_critical"`
	SignatureCoverage float64 `json:"signature_coverage"`

	AccessDenials int `json:"access_denials"`
	AuthFailures  int `json:"auth_failures"`

	ChainChecked    bool   `json:"chain_checked"`
	ChainValid      bool   `json:"chain_valid"`
	ChainBreakIndex int    `json:"chain_break_index"` // -1 when intact or unchecked
	MerkleRoot      string `json:"merkle_root,omitempty"`
}

// ReporterConfig wires the periodic reporter.
type ReporterConfig struct {
	Warehouse storage.WarehouseStore
	Verifier  ChainVerifier // optional; reports skip chain health without it
	Clock     core.Clock
	Interval  time.Duration // between reports; default 1h
	Window    time.Duration // how far back each report looks; default 24h
	OnReport  func(*Report) // optional; called after each periodic report
}

// Reporter periodically rebuilds the compliance picture from the
// warehouse. The warehouse is authoritative here: live Checker counters
// reset with the process, warehouse totals do not.
type Reporter struct {
	warehouse storage.WarehouseStore
	verifier  ChainVerifier
	clock     core.Clock
	interval  time.Duration
	window    time.Duration
	onReport  func(*Report)
	stopCh    chan struct{}
	logger    *log.Logger
}

// NewReporter validates the wiring and returns a reporter. Start must be
// called to begin the periodic loop; BuildReport works without it.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Warehouse == nil {
		return nil, fmt.Errorf("compliance: reporter requires a warehouse")
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}

	return &Reporter{
		warehouse: cfg.Warehouse,
		verifier:  cfg.Verifier,
		clock:     cfg.Clock,
		interval:  cfg.Interval,
		window:    cfg.Window,
		onReport:  cfg.OnReport,
		stopCh:    make(chan struct{}),
		logger:    log.New(log.Writer(), "[COMPLIANCE] ", log.LstdFlags),
	}, nil
}

// Start launches the periodic reporting loop.
func (r *Reporter) Start() {
	go r.run()
}

// Stop halts the loop. Call at most once.
func (r *Reporter) Stop() {
	close(r.stopCh)
}

func (r *Reporter) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Printf("Started compliance reporter (interval=%s, window=%s)", r.interval, r.window)

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			report, err := r.BuildReport(ctx)
			cancel()
			if err != nil {
				r.logger.Printf("❌ Report build failed: %v", err)
				continue
			}
			r.logger.Printf("📋 %d events in window, signature coverage %.2f, chain checked=%v valid=%v",
				report.TotalEvents, report.SignatureCoverage, report.ChainChecked, report.ChainValid)
			if r.onReport != nil {
				r.onReport(report)
			}
		case <-r.stopCh:
			r.logger.Println("Compliance reporter stopped")
			return
		}
	}
}

// BuildReport assembles the report for the window ending now.
func (r *Reporter) BuildReport(ctx context.Context) (*Report, error) {
	end := r.clock.Now()
	start := end.Add(-r.window)

	events, err := r.warehouse.EventsInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load report window: %w", err)
	}

	report := &Report{
		GeneratedAt:     core.FormatTimestamp(end),
		WindowStart:     core.FormatTimestamp(start),
		WindowEnd:       core.FormatTimestamp(end),
		TotalEvents:     len(events),
		ByType:          make(map[string]int),
		ByCategory:      make(map[string]int),
		ChainBreakIndex: -1,
	}

	for _, event := range events {
		report.ByType[string(event.EventType)]++
		report.ByCategory[string(CategoryFor(event.EventType))]++

		if ledger.RequiresSignature(event.EventType) {
			report.CriticalEvents++
			if event.Signature != "" {
				report.SignedCritical++
			}
		}

		switch event.EventType {
		case core.EventAccessDenied:
			report.AccessDenials++
		case core.EventAuthFailure:
			report.AuthFailures++
		}
	}

	report.SignatureCoverage = 1.0
	if report.CriticalEvents > 0 {
		report.SignatureCoverage = float64(report.SignedCritical) / float64(report.CriticalEvents)
	}

	if r.verifier != nil {
		vr, err := r.verifier.VerifyChainIntegrity(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("verify report window: %w", err)
		}
		report.ChainChecked = true
		report.ChainValid = vr.Valid
		report.ChainBreakIndex = vr.FirstBreakIndex
		report.MerkleRoot = vr.MerkleRoot
	}

	return report, nil
}
