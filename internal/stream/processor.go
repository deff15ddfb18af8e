package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/classify"
	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/features"
	"github.com/neuroloop/backend/internal/metrics"
	"github.com/neuroloop/backend/internal/ringbuf"
)

const (
	// DefaultCadenceMs is the classification tick interval.
	DefaultCadenceMs = 100
	// DefaultBufferDurationMs holds twice the longest extractor window.
	DefaultBufferDurationMs = 60000
)

// Pair couples an extractor factory with a classifier factory under a
// registry name. The factories run once per stream: extractors and
// classifiers carry temporal state (EMA baselines, smoothing windows,
// epoch counters), so an instance must never serve two streams.
// MinIntervalMs throttles pairs whose windows should not be re-scored on
// every tick (sleep staging runs once per epoch); zero means every tick.
type Pair struct {
	Name          string
	NewExtractor  func() features.Extractor
	NewClassifier func() classify.Classifier
	MinIntervalMs float64
}

// Envelope carries one emitted result with its latency breakdown.
type Envelope struct {
	Stream     string
	Pair       string
	Result     core.Result
	TotalMs    float64
	ExtractMs  float64
	ClassifyMs float64
}

// Config tunes a Processor. Zero values pick the defaults.
type Config struct {
	CadenceMs        float64
	BufferDurationMs float64
	Clock            core.Clock
	Metrics          *metrics.Metrics

	// OnResult receives every emitted envelope, in order, after Ingest
	// collected them. OnError receives isolated pair failures.
	OnResult func(Envelope)
	OnError  func(stream, pair string, err error)
}

// Processor owns the per-stream ring buffers and drives the registered
// extractor/classifier pairs at the configured cadence. Pairs run
// concurrently per tick; a failing pair is counted and surfaced through
// OnError without blocking its peers, and results always come back in
// registration order.
type Processor struct {
	cadenceMs float64
	bufferMs  float64
	clock     core.Clock
	metrics   *metrics.Metrics
	onResult  func(Envelope)
	onError   func(stream, pair string, err error)

	mu      sync.RWMutex
	pairs   []Pair
	streams map[string]*streamState
}

type streamState struct {
	buf *ringbuf.Buffer

	mu             sync.Mutex
	lastClassified time.Time
	lastPairRun    map[string]time.Time
	instances      map[string]*pairInstance
}

// pairInstance is one stream's private extractor/classifier pair.
type pairInstance struct {
	extractor  features.Extractor
	classifier classify.Classifier
}

// instance returns the stream's own instance of the pair, building it
// from the factories on first use.
func (s *streamState) instance(pair Pair) *pairInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[pair.Name]
	if !ok {
		inst = &pairInstance{
			extractor:  pair.NewExtractor(),
			classifier: pair.NewClassifier(),
		}
		s.instances[pair.Name] = inst
	}
	return inst
}

func NewProcessor(cfg Config) *Processor {
	if cfg.CadenceMs <= 0 {
		cfg.CadenceMs = DefaultCadenceMs
	}
	if cfg.BufferDurationMs <= 0 {
		cfg.BufferDurationMs = DefaultBufferDurationMs
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}
	return &Processor{
		cadenceMs: cfg.CadenceMs,
		bufferMs:  cfg.BufferDurationMs,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		onResult:  cfg.OnResult,
		onError:   cfg.OnError,
		streams:   make(map[string]*streamState),
	}
}

// RegisterPair adds an extractor/classifier pair to the registry.
func (p *Processor) RegisterPair(pair Pair) error {
	if pair.Name == "" {
		return fmt.Errorf("stream: pair name required")
	}
	if pair.NewExtractor == nil || pair.NewClassifier == nil {
		return fmt.Errorf("stream: pair %s missing extractor or classifier factory", pair.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.pairs {
		if existing.Name == pair.Name {
			return fmt.Errorf("stream: pair %s already registered", pair.Name)
		}
	}
	p.pairs = append(p.pairs, pair)
	slog.Info("[StreamProcessor] Pair registered", "pair", pair.Name, "window_ms", pair.NewExtractor().RequiredWindowMs())
	return nil
}

// UnregisterPair removes a pair by name.
func (p *Processor) UnregisterPair(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pair := range p.pairs {
		if pair.Name == name {
			p.pairs = append(p.pairs[:i], p.pairs[i+1:]...)
			for _, state := range p.streams {
				state.mu.Lock()
				delete(state.instances, name)
				state.mu.Unlock()
			}
			return
		}
	}
}

// Pairs returns the registered pair names in registration order.
func (p *Processor) Pairs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.pairs))
	for i, pair := range p.pairs {
		names[i] = pair.Name
	}
	return names
}

// EnsureStream creates the ring buffer for a stream if it does not exist.
func (p *Processor) EnsureStream(streamID string, channels []string, samplingRate float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.streams[streamID]; ok {
		return nil
	}
	buf, err := ringbuf.New(channels, samplingRate, p.bufferMs)
	if err != nil {
		return fmt.Errorf("stream %s: %w", streamID, err)
	}
	p.streams[streamID] = &streamState{
		buf:         buf,
		lastPairRun: make(map[string]time.Time),
		instances:   make(map[string]*pairInstance),
	}
	slog.Info("[StreamProcessor] Stream opened", "stream", streamID, "channels", len(channels), "rate_hz", samplingRate)
	return nil
}

// RemoveStream drops a stream and its buffer.
func (p *Processor) RemoveStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, streamID)
}

// Streams returns the active stream IDs.
func (p *Processor) Streams() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	return ids
}

// Window copies the most recent durationMs of buffered samples for a
// stream, so monitoring code can inspect the raw signal without
// reaching into the ring buffer.
func (p *Processor) Window(streamID string, durationMs float64) (*core.Window, error) {
	p.mu.RLock()
	state, ok := p.streams[streamID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stream %s: unknown stream", streamID)
	}
	window, ok := state.buf.Window(durationMs)
	if !ok {
		return nil, fmt.Errorf("stream %s: %.0fms not yet buffered", streamID, durationMs)
	}
	return window, nil
}

// Ingest appends a packet to its stream's buffer and, when the cadence
// and buffered duration allow, runs every eligible pair concurrently.
// Returned envelopes follow pair registration order.
func (p *Processor) Ingest(packet *core.SamplePacket) ([]Envelope, error) {
	streamID := packet.DeviceID
	if streamID == "" {
		streamID = "default"
	}

	p.mu.RLock()
	state, ok := p.streams[streamID]
	p.mu.RUnlock()
	if !ok {
		if err := p.EnsureStream(streamID, packet.Channels, packet.SamplingRate); err != nil {
			return nil, err
		}
		p.mu.RLock()
		state = p.streams[streamID]
		p.mu.RUnlock()
	}

	if err := state.buf.Add(packet); err != nil {
		return nil, fmt.Errorf("stream %s: %w", streamID, err)
	}
	p.metrics.RecordPacket(streamID, packet.SampleCount()*len(packet.Channels))

	now := p.clock.Now()
	due := p.duePairs(state, now)
	if len(due) == 0 {
		return nil, nil
	}
	return p.classifyTick(streamID, state, due), nil
}

// duePairs applies the cadence gate and the per-pair interval gate,
// marking the selected pairs as run.
func (p *Processor) duePairs(state *streamState, now time.Time) []Pair {
	bufferedMs := state.buf.DurationSeconds() * 1000
	if bufferedMs < p.cadenceMs {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.lastClassified.IsZero() && now.Sub(state.lastClassified).Seconds()*1000 < p.cadenceMs {
		return nil
	}
	state.lastClassified = now

	p.mu.RLock()
	defer p.mu.RUnlock()
	var due []Pair
	for _, pair := range p.pairs {
		if pair.MinIntervalMs > 0 {
			last, seen := state.lastPairRun[pair.Name]
			if seen && now.Sub(last).Seconds()*1000 < pair.MinIntervalMs {
				continue
			}
		}
		state.lastPairRun[pair.Name] = now
		due = append(due, pair)
	}
	return due
}

// classifyTick fans the due pairs out concurrently and collects their
// envelopes back into registration order.
func (p *Processor) classifyTick(streamID string, state *streamState, due []Pair) []Envelope {
	slots := make([]*Envelope, len(due))
	var wg sync.WaitGroup
	for i, pair := range due {
		wg.Add(1)
		go func(i int, pair Pair) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.failPair(streamID, pair.Name, fmt.Errorf("pair %s panicked: %v", pair.Name, r))
				}
			}()
			env, err := p.runPair(streamID, state, pair)
			if err != nil {
				p.failPair(streamID, pair.Name, err)
				return
			}
			slots[i] = env
		}(i, pair)
	}
	wg.Wait()

	out := make([]Envelope, 0, len(due))
	for _, env := range slots {
		if env == nil {
			continue
		}
		out = append(out, *env)
		if p.onResult != nil {
			p.onResult(*env)
		}
	}
	return out
}

// runPair assembles the pair's window, extracts and classifies, and
// annotates the result with its latency breakdown. A nil envelope with
// nil error means the buffer cannot fill the pair's window yet.
func (p *Processor) runPair(streamID string, state *streamState, pair Pair) (*Envelope, error) {
	inst := state.instance(pair)

	start := time.Now()
	window, ok := state.buf.Window(inst.extractor.RequiredWindowMs())
	if !ok {
		p.metrics.RecordWindowMiss(pair.Name)
		return nil, nil
	}

	extractStart := time.Now()
	fm, err := inst.extractor.Extract(window)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", pair.Name, err)
	}
	extractMs := time.Since(extractStart).Seconds() * 1000

	classifyStart := time.Now()
	result, err := inst.classifier.Classify(fm)
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", pair.Name, err)
	}
	classifyMs := time.Since(classifyStart).Seconds() * 1000

	totalMs := time.Since(start).Seconds() * 1000
	result.Base().LatencyMs = totalMs
	p.metrics.RecordClassification(streamID, pair.Name, result.Base().Label, totalMs/1000)

	return &Envelope{
		Stream:     streamID,
		Pair:       pair.Name,
		Result:     result,
		TotalMs:    totalMs,
		ExtractMs:  extractMs,
		ClassifyMs: classifyMs,
	}, nil
}

func (p *Processor) failPair(streamID, pairName string, err error) {
	p.metrics.RecordClassifierError(pairName)
	slog.Warn("[StreamProcessor] Pair failed", "stream", streamID, "pair", pairName, "error", err)
	if p.onError != nil {
		p.onError(streamID, pairName, err)
	}
}
