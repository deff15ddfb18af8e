package ledger

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/neuroloop/backend/internal/core"
)

// Signature verification failures. The processor maps all three to a drop
// with an audit note; they are distinguished so the note can say why.
var (
	ErrSignatureMissing     = errors.New("ledger: signature missing")
	ErrSignatureInvalid     = errors.New("ledger: signature invalid")
	ErrPlaceholderSignature = errors.New("ledger: placeholder signature rejected")
)

// placeholderSignaturePrefix marks signatures that were never produced by a
// real signer. Legacy emitters stamped critical events with these; they
// carry no cryptographic weight and are rejected outright.
const placeholderSignaturePrefix = "SIGNATURE_"

// CriticalEventTypes lists the event types whose provenance must be
// cryptographically attested before persistence.
var CriticalEventTypes = map[core.EventType]bool{
	core.EventSessionCreated: true,
	core.EventSessionEnded:   true,
	core.EventDataExported:   true,
	core.EventAuthSuccess:    true,
	core.EventAuthFailure:    true,
	core.EventAccessGranted:  true,
	core.EventAccessDenied:   true,
	core.EventMLCalibration:  true,
}

// RequiresSignature reports whether events of this type must carry a valid
// signature to be persisted.
func RequiresSignature(t core.EventType) bool {
	return CriticalEventTypes[t]
}

// signedMetadataKeys is the fixed subset of metadata covered by the
// signature. Everything else in metadata is chain-protected only.
var signedMetadataKeys = []string{"resource", "action", "ipAddress", "dataSizeBytes"}

// SigningPayload assembles the canonical bytes the signature covers: the
// identity fields, both hashes, any present of user/session/dataHash, and
// the signed metadata subset. The event hash is included as stored, which
// transitively binds the signature to the whole chain position.
func SigningPayload(event *core.LedgerEvent) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("signing payload: nil event")
	}

	fields := map[string]interface{}{
		"event_id":      event.EventID,
		"event_type":    string(event.EventType),
		"timestamp":     event.Timestamp,
		"event_hash":    event.EventHash,
		"previous_hash": event.PreviousHash,
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	if event.SessionID != "" {
		fields["session_id"] = event.SessionID
	}
	if event.DataHash != "" {
		fields["data_hash"] = event.DataHash
	}

	meta := make(map[string]interface{})
	for _, key := range signedMetadataKeys {
		if v, ok := event.Metadata[key]; ok && v != nil {
			meta[key] = v
		}
	}
	if len(meta) > 0 {
		fields["metadata"] = meta
	}

	return CanonicalJSON(fields)
}

// Signer is the external signing abstraction: an HSM, a cloud KMS, or the
// in-process LocalSigner. Key names are opaque; old versions must keep
// serving PublicKeyPEM so historical signatures stay verifiable.
type Signer interface {
	Sign(ctx context.Context, keyName string, digest []byte) ([]byte, error)
	PublicKeyPEM(ctx context.Context, keyName string) (string, error)
	NewKeyVersion(ctx context.Context, keyRing string) (string, error)
}

// pssOptions must match between Sign and VerifyEvent.
var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthEqualsHash,
	Hash:       crypto.SHA256,
}

// LocalSigner keeps RSA-2048 keys in memory. Every rotation generates a
// fresh version; retired versions stay resident so their signatures verify.
type LocalSigner struct {
	mu       sync.RWMutex
	keys     map[string]*rsa.PrivateKey
	versions map[string]int
}

// NewLocalSigner creates an empty local signer. Mint the first key with
// NewKeyVersion.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{
		keys:     make(map[string]*rsa.PrivateKey),
		versions: make(map[string]int),
	}
}

// NewKeyVersion generates the next RSA key version on the ring and returns
// its name.
func (s *LocalSigner) NewKeyVersion(ctx context.Context, keyRing string) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[keyRing]++
	keyName := fmt.Sprintf("%s/versions/%d", keyRing, s.versions[keyRing])
	s.keys[keyName] = key
	return keyName, nil
}

// Sign produces an RSA-PSS signature over a precomputed SHA-256 digest.
func (s *LocalSigner) Sign(ctx context.Context, keyName string, digest []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[keyName]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sign: unknown key %q", keyName)
	}
	return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest, pssOptions)
}

// PublicKeyPEM returns the PKIX PEM encoding of the named key version.
func (s *LocalSigner) PublicKeyPEM(ctx context.Context, keyName string) (string, error) {
	s.mu.RLock()
	key, ok := s.keys[keyName]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("public key: unknown key %q", keyName)
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

var _ Signer = (*LocalSigner)(nil)

// EventSigner binds a Signer to the ledger: it signs critical events with
// the current key version and verifies stored events against whichever
// version their SigningKeyID names.
type EventSigner struct {
	signer  Signer
	keyRing string

	mu    sync.RWMutex
	keyID string
}

// NewEventSigner mints the first key version on keyRing and returns a
// signer bound to it.
func NewEventSigner(ctx context.Context, signer Signer, keyRing string) (*EventSigner, error) {
	keyID, err := signer.NewKeyVersion(ctx, keyRing)
	if err != nil {
		return nil, fmt.Errorf("mint initial key version: %w", err)
	}
	return &EventSigner{signer: signer, keyRing: keyRing, keyID: keyID}, nil
}

// CurrentKeyID returns the key version new signatures are made with.
func (es *EventSigner) CurrentKeyID() string {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.keyID
}

// Rotate mints a new key version and switches signing to it. Events signed
// before rotation keep verifying: their SigningKeyID still names the old
// version.
func (es *EventSigner) Rotate(ctx context.Context) (string, error) {
	keyID, err := es.signer.NewKeyVersion(ctx, es.keyRing)
	if err != nil {
		return "", fmt.Errorf("rotate key: %w", err)
	}
	es.mu.Lock()
	es.keyID = keyID
	es.mu.Unlock()
	return keyID, nil
}

// SignEvent computes the signing payload digest, signs it, and stamps the
// event with the base64 signature and the key version used. EventHash must
// already be set.
func (es *EventSigner) SignEvent(ctx context.Context, event *core.LedgerEvent) error {
	if event.EventHash == "" {
		return fmt.Errorf("sign event %s: event hash not set", event.EventID)
	}

	payload, err := SigningPayload(event)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)

	keyID := es.CurrentKeyID()
	sig, err := es.signer.Sign(ctx, keyID, digest[:])
	if err != nil {
		return fmt.Errorf("sign event %s: %w", event.EventID, err)
	}

	event.Signature = base64.StdEncoding.EncodeToString(sig)
	event.SigningKeyID = keyID
	return nil
}

// VerifyEvent checks the event signature against the public key named by
// its SigningKeyID. Placeholder signatures never pass, whatever key they
// claim.
func (es *EventSigner) VerifyEvent(ctx context.Context, event *core.LedgerEvent) error {
	if event.Signature == "" {
		return ErrSignatureMissing
	}
	if strings.HasPrefix(event.Signature, placeholderSignaturePrefix) {
		return ErrPlaceholderSignature
	}
	if event.SigningKeyID == "" {
		return fmt.Errorf("%w: no signing key id", ErrSignatureInvalid)
	}

	sig, err := base64.StdEncoding.DecodeString(event.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad encoding: %v", ErrSignatureInvalid, err)
	}

	pemStr, err := es.signer.PublicKeyPEM(ctx, event.SigningKeyID)
	if err != nil {
		return fmt.Errorf("fetch public key %s: %w", event.SigningKeyID, err)
	}
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return fmt.Errorf("%w: malformed public key PEM", ErrSignatureInvalid)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: parse public key: %v", ErrSignatureInvalid, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: key %s is not RSA", ErrSignatureInvalid, event.SigningKeyID)
	}

	payload, err := SigningPayload(event)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)

	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOptions); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}
