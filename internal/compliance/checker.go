// Package compliance tracks the audit-relevant slice of the event
// stream: session lifecycle, data exports, access control, and
// authentication. The Checker counts live events as the processor hands
// them over; the Reporter folds warehouse history into periodic reports
// carrying signature coverage and chain-verification outcomes.
package compliance

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/ledger"
)

// Category buckets compliance events for counting and reporting.
type Category string

const (
	CategorySession Category = "session_lifecycle"
	CategoryExport  Category = "data_export"
	CategoryAccess  Category = "access_control"
	CategoryAuth    Category = "authentication"
	CategoryOther   Category = "other"
)

// CategoryFor maps an event type to its compliance category.
func CategoryFor(t core.EventType) Category {
	switch t {
	case core.EventSessionCreated, core.EventSessionEnded:
		return CategorySession
	case core.EventDataExported:
		return CategoryExport
	case core.EventAccessGranted, core.EventAccessDenied:
		return CategoryAccess
	case core.EventAuthSuccess, core.EventAuthFailure:
		return CategoryAuth
	default:
		return CategoryOther
	}
}

// Checker keeps live per-category and per-type counters over the
// compliance subset. Check matches ledger.ComplianceHook, so the event
// processor calls it directly once an event's storage fan-out has
// settled. Counters reset with the process; durable totals come from
// the Reporter.
type Checker struct {
	mu         sync.Mutex
	since      time.Time
	total      int64
	byCategory map[Category]int64
	byType     map[core.EventType]int64
	denials    int64
	unsigned   int64
	logger     *log.Logger
}

// NewChecker creates a checker counting from clock.Now().
func NewChecker(clock core.Clock) *Checker {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Checker{
		since:      clock.Now(),
		byCategory: make(map[Category]int64),
		byType:     make(map[core.EventType]int64),
		logger:     log.New(log.Writer(), "[COMPLIANCE] ", log.LstdFlags),
	}
}

// Check records one compliance event. Access denials and auth failures
// are logged individually; everything else only counts.
func (c *Checker) Check(ctx context.Context, event *core.LedgerEvent) {
	if event == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.byCategory[CategoryFor(event.EventType)]++
	c.byType[event.EventType]++

	switch event.EventType {
	case core.EventAccessDenied, core.EventAuthFailure:
		c.denials++
		c.logger.Printf("⚠️ %s user=%s session=%s", event.EventType, event.UserID, event.SessionID)
	}

	// The processor verifies signatures before this hook fires, so an
	// unsigned critical event here means verification was bypassed.
	if event.Signature == "" && ledger.RequiresSignature(event.EventType) {
		c.unsigned++
		c.logger.Printf("🚫 AUDIT: unsigned %s reached the compliance hook (event=%s)", event.EventType, event.EventID)
	}
}

// Snapshot is a point-in-time copy of the live counters.
type Snapshot struct {
	Since            time.Time                `json:"since"`
	Total            int64                    `json:"total"`
	ByCategory       map[Category]int64       `json:"by_category"`
	ByType           map[core.EventType]int64 `json:"by_type"`
	Denials          int64                    `json:"denials"`
	UnsignedCritical int64                    `json:"unsigned_critical"`
}

// Snapshot copies the counters; the caller owns the returned maps.
func (c *Checker) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Since:            c.since,
		Total:            c.total,
		ByCategory:       make(map[Category]int64, len(c.byCategory)),
		ByType:           make(map[core.EventType]int64, len(c.byType)),
		Denials:          c.denials,
		UnsignedCritical: c.unsigned,
	}
	for k, v := range c.byCategory {
		snap.ByCategory[k] = v
	}
	for k, v := range c.byType {
		snap.ByType[k] = v
	}
	return snap
}
