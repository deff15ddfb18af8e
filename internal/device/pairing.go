package device

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/neuroloop/backend/internal/core"
)

// Pairing codes have the format nlp_<pairingId>.<secret>. Only the
// secret is bcrypt-hashed at rest; the id part indexes the record so
// validation does one hash comparison, not a table walk.
const pairingCodePrefix = "nlp_"

const defaultPairingTTL = 10 * time.Minute

var (
	ErrPairingUnknown = fmt.Errorf("pairing: unknown code")
	ErrPairingExpired = fmt.Errorf("pairing: code expired")
	ErrPairingUsed    = fmt.Errorf("pairing: code already used")
)

// PairingRecord tracks one issued code and, once consumed, the
// durable paired state of its device.
type PairingRecord struct {
	PairingID  string    `json:"pairing_id"`
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	UsedAt     time.Time `json:"used_at,omitempty"`
}

// PairingRegistry issues short-lived single-use pairing codes and
// remembers which devices completed pairing.
type PairingRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*PairingRecord
	paired map[string]*PairingRecord
	ttl    time.Duration
	clock  core.Clock
	logger *log.Logger
}

func NewPairingRegistry(ttl time.Duration, clock core.Clock) *PairingRegistry {
	if ttl <= 0 {
		ttl = defaultPairingTTL
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	return &PairingRegistry{
		byID:   make(map[string]*PairingRecord),
		paired: make(map[string]*PairingRecord),
		ttl:    ttl,
		clock:  clock,
		logger: log.New(os.Stdout, "[PAIRING] ", log.LstdFlags),
	}
}

// CreatePairing issues a code for a device. The code is returned once
// and never stored in the clear.
func (p *PairingRegistry) CreatePairing(deviceID, name string) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("pairing: device id required")
	}

	pairingID, err := secureHex(8)
	if err != nil {
		return "", fmt.Errorf("pairing: generate id: %w", err)
	}
	secret, err := secureHex(16)
	if err != nil {
		return "", fmt.Errorf("pairing: generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("pairing: hash secret: %w", err)
	}

	now := p.clock.Now()
	record := &PairingRecord{
		PairingID:  pairingID,
		DeviceID:   deviceID,
		Name:       name,
		SecretHash: string(hash),
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.ttl),
	}

	p.mu.Lock()
	p.byID[pairingID] = record
	p.mu.Unlock()

	p.logger.Printf("🔑 issued pairing code for %s (expires %s)", deviceID, record.ExpiresAt.Format(time.RFC3339))
	return pairingCodePrefix + pairingID + "." + secret, nil
}

// ValidatePairing consumes a code and marks its device as paired.
func (p *PairingRegistry) ValidatePairing(code string) (string, error) {
	rest, ok := strings.CutPrefix(code, pairingCodePrefix)
	if !ok {
		return "", ErrPairingUnknown
	}
	pairingID, secret, ok := strings.Cut(rest, ".")
	if !ok || pairingID == "" || secret == "" {
		return "", ErrPairingUnknown
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.byID[pairingID]
	if !ok {
		return "", ErrPairingUnknown
	}
	if !record.UsedAt.IsZero() {
		return "", ErrPairingUsed
	}
	if p.clock.Now().After(record.ExpiresAt) {
		return "", ErrPairingExpired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.SecretHash), []byte(secret)); err != nil {
		return "", ErrPairingUnknown
	}

	record.UsedAt = p.clock.Now()
	p.paired[record.DeviceID] = record
	p.logger.Printf("✅ device %s paired", record.DeviceID)
	return record.DeviceID, nil
}

// IsPaired reports whether a device completed pairing.
func (p *PairingRegistry) IsPaired(deviceID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paired[deviceID]
	return ok
}

// Revoke forgets a device's paired state.
func (p *PairingRegistry) Revoke(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if record, ok := p.paired[deviceID]; ok {
		delete(p.paired, deviceID)
		delete(p.byID, record.PairingID)
		p.logger.Printf("🔌 device %s unpaired", deviceID)
	}
}

// PairedDevices lists devices that completed pairing.
func (p *PairingRegistry) PairedDevices() []PairingRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PairingRecord, 0, len(p.paired))
	for _, record := range p.paired {
		out = append(out, *record)
	}
	return out
}

// PruneExpired drops unconsumed codes past their expiry.
func (p *PairingRegistry) PruneExpired() int {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	pruned := 0
	for id, record := range p.byID {
		if record.UsedAt.IsZero() && now.After(record.ExpiresAt) {
			delete(p.byID, id)
			pruned++
		}
	}
	return pruned
}

func secureHex(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
