/*
SPIFFE Integration
Provides workload identity and mTLS material via SPIFFE/SPIRE
*/

package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// startupTimeout bounds the initial SPIRE agent connection so a missing
// agent fails fast instead of hanging boot.
const startupTimeout = 3 * time.Second

// Config selects the identity mode. With Enabled false or no socket the
// process runs in insecure local mode and NewProvider returns nil.
type Config struct {
	Enabled     bool
	SocketPath  string   // SPIRE agent workload API socket, e.g. unix:///run/spire/agent.sock
	TrustDomain string   // optional; restricts peers to this trust domain
	AllowedIDs  []string // optional; restricts peers to exactly these SPIFFE IDs
}

// SPIFFEProvider wraps a workload API X509Source and hands out mTLS
// configs for the gRPC LSL bridge and other internal links. The source
// rotates SVIDs in the background for the provider's lifetime.
type SPIFFEProvider struct {
	source      *workloadapi.X509Source
	trustDomain spiffeid.TrustDomain
	allowed     []spiffeid.ID
}

// NewProvider connects to the SPIRE agent and waits for an initial SVID.
// A nil, nil return means identity is not configured: callers treat a
// nil provider as insecure local mode.
func NewProvider(cfg Config) (*SPIFFEProvider, error) {
	if !cfg.Enabled || cfg.SocketPath == "" {
		slog.Info("SPIFFE identity disabled, running in insecure local mode")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(cfg.SocketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SPIRE: %w", err)
	}

	p := &SPIFFEProvider{source: source}

	if cfg.TrustDomain != "" {
		td, err := spiffeid.TrustDomainFromString(cfg.TrustDomain)
		if err != nil {
			source.Close()
			return nil, fmt.Errorf("invalid trust domain %q: %w", cfg.TrustDomain, err)
		}
		p.trustDomain = td
	}

	for _, raw := range cfg.AllowedIDs {
		id, err := spiffeid.FromString(raw)
		if err != nil {
			source.Close()
			return nil, fmt.Errorf("invalid allowed SPIFFE ID %q: %w", raw, err)
		}
		p.allowed = append(p.allowed, id)
	}

	id, err := p.ID()
	if err != nil {
		source.Close()
		return nil, err
	}
	slog.Info("Connected to SPIRE agent", "socket_path", cfg.SocketPath, "spiffe_id", id.String())
	return p, nil
}

// ID returns the workload's current SPIFFE ID.
func (p *SPIFFEProvider) ID() (spiffeid.ID, error) {
	svid, err := p.source.GetX509SVID()
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("failed to get SVID: %w", err)
	}
	return svid.ID, nil
}

// Fingerprint returns a short hex fingerprint of the current SVID leaf
// certificate, for logs and health output.
func (p *SPIFFEProvider) Fingerprint() (string, error) {
	svid, err := p.source.GetX509SVID()
	if err != nil {
		return "", fmt.Errorf("failed to get SVID: %w", err)
	}
	if len(svid.Certificates) == 0 {
		return "", fmt.Errorf("SVID carries no certificates")
	}
	sum := sha256.Sum256(svid.Certificates[0].Raw)
	return hex.EncodeToString(sum[:8]), nil
}

// ExpectID verifies the workload's own SVID matches the identity the
// deployment was configured for.
func (p *SPIFFEProvider) ExpectID(raw string) error {
	want, err := spiffeid.FromString(raw)
	if err != nil {
		return fmt.Errorf("invalid SPIFFE ID: %w", err)
	}
	got, err := p.ID()
	if err != nil {
		return err
	}
	if got.String() != want.String() {
		return fmt.Errorf("SPIFFE ID mismatch: expected %s, got %s", want, got)
	}
	return nil
}

// authorizer picks the narrowest peer policy the config allows.
func (p *SPIFFEProvider) authorizer() tlsconfig.Authorizer {
	if len(p.allowed) > 0 {
		return tlsconfig.AuthorizeOneOf(p.allowed...)
	}
	if !p.trustDomain.IsZero() {
		return tlsconfig.AuthorizeMemberOf(p.trustDomain)
	}
	return tlsconfig.AuthorizeAny()
}

// ClientTLSConfig returns the mTLS client config for dialing peers.
func (p *SPIFFEProvider) ClientTLSConfig() *tls.Config {
	return tlsconfig.MTLSClientConfig(p.source, p.source, p.authorizer())
}

// ServerTLSConfig returns the mTLS server config for accepting peers.
func (p *SPIFFEProvider) ServerTLSConfig() *tls.Config {
	return tlsconfig.MTLSServerConfig(p.source, p.source, p.authorizer())
}

// Close releases the workload API source.
func (p *SPIFFEProvider) Close() error {
	return p.source.Close()
}

// TransportCredentials builds gRPC dial credentials from a provider. A
// nil provider yields insecure credentials, which is the local-dev mode
// for the LSL bridge link.
func TransportCredentials(p *SPIFFEProvider) credentials.TransportCredentials {
	if p == nil {
		return insecure.NewCredentials()
	}
	return credentials.NewTLS(p.ClientTLSConfig())
}

// WorkloadID renders the canonical SPIFFE ID for a named workload in a
// trust domain.
//
// Example: spiffe://neuroloop.example.com/neuroloop/lsl-bridge
func WorkloadID(trustDomain, name string) string {
	return fmt.Sprintf("spiffe://%s/neuroloop/%s", trustDomain, name)
}
