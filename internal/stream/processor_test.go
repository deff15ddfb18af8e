package stream

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroloop/backend/internal/classify"
	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/features"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock(t time.Time) *stepClock { return &stepClock{t: t} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeExtractor struct {
	name     string
	windowMs float64
	fail     bool
}

func (f *fakeExtractor) Name() string              { return f.name }
func (f *fakeExtractor) RequiredWindowMs() float64 { return f.windowMs }
func (f *fakeExtractor) FeatureNames() []string {
	return []string{"amplitude", core.FeatureSignalQuality}
}

func (f *fakeExtractor) Extract(w *core.Window) (*core.FeatureMap, error) {
	if f.fail {
		return nil, errors.New("extract failed")
	}
	fm := core.NewFeatureMap(w.StartTime, w.DurationMs)
	var sum float64
	for _, v := range w.Data[0] {
		sum += math.Abs(v)
	}
	fm.Set("amplitude", sum/float64(len(w.Data[0])))
	fm.Set(core.FeatureSignalQuality, 1)
	return fm, nil
}

type fakeClassifier struct {
	label  string
	delay  time.Duration
	panics bool
}

func (f *fakeClassifier) Kind() core.ClassificationKind { return core.KindMentalState }

func (f *fakeClassifier) Classify(fm *core.FeatureMap) (core.Result, error) {
	if f.panics {
		panic("classifier exploded")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return &core.MentalStateResult{Classification: core.Classification{
		Kind:          core.KindMentalState,
		Timestamp:     fm.Timestamp,
		Label:         f.label,
		Probabilities: map[string]float64{f.label: 1},
		Confidence:    1,
	}}, nil
}

// countingClassifier numbers its own calls, so a shared instance is
// visible as a count that keeps climbing across streams.
type countingClassifier struct {
	mu    sync.Mutex
	calls int
}

func (c *countingClassifier) Kind() core.ClassificationKind { return core.KindMentalState }

func (c *countingClassifier) Classify(fm *core.FeatureMap) (core.Result, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	return &core.MentalStateResult{Classification: core.Classification{
		Kind:          core.KindMentalState,
		Timestamp:     fm.Timestamp,
		Label:         "window",
		Probabilities: map[string]float64{"window": 1},
		Confidence:    float64(n),
	}}, nil
}

func testPair(name string, windowMs float64, delay time.Duration) Pair {
	return Pair{
		Name:          name,
		NewExtractor:  func() features.Extractor { return &fakeExtractor{name: name, windowMs: windowMs} },
		NewClassifier: func() classify.Classifier { return &fakeClassifier{label: name, delay: delay} },
	}
}

func testPacket(device string, n int, ts time.Time) *core.SamplePacket {
	data := make([][]float64, 2)
	for ch := range data {
		row := make([]float64, n)
		for i := range row {
			row[i] = math.Sin(2 * math.Pi * 10 * float64(i) / 256)
		}
		data[ch] = row
	}
	return &core.SamplePacket{
		Channels:     []string{"C3", "C4"},
		SamplingRate: 256,
		Data:         data,
		Timestamp:    ts,
		DeviceID:     device,
		SignalType:   core.SignalEEG,
	}
}

func TestProcessorYieldsInRegistrationOrder(t *testing.T) {
	clock := newStepClock(time.Unix(1700000000, 0))
	p := NewProcessor(Config{BufferDurationMs: 10000, Clock: clock})
	require.NoError(t, p.RegisterPair(testPair("alpha", 100, 15*time.Millisecond)))
	require.NoError(t, p.RegisterPair(testPair("beta", 100, 5*time.Millisecond)))
	require.NoError(t, p.RegisterPair(testPair("gamma", 100, time.Millisecond)))

	envs, err := p.Ingest(testPacket("dev-1", 512, clock.Now()))
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, "alpha", envs[0].Pair)
	assert.Equal(t, "beta", envs[1].Pair)
	assert.Equal(t, "gamma", envs[2].Pair)
	for _, env := range envs {
		assert.Equal(t, "dev-1", env.Stream)
		assert.Greater(t, env.TotalMs, 0.0)
		assert.GreaterOrEqual(t, env.TotalMs, env.ClassifyMs)
	}
}

func TestProcessorCadenceGate(t *testing.T) {
	clock := newStepClock(time.Unix(1700000000, 0))
	p := NewProcessor(Config{BufferDurationMs: 10000, Clock: clock})
	require.NoError(t, p.RegisterPair(testPair("alpha", 100, 0)))

	envs, err := p.Ingest(testPacket("dev-1", 256, clock.Now()))
	require.NoError(t, err)
	assert.Len(t, envs, 1)

	// Same instant: cadence has not elapsed.
	envs, err = p.Ingest(testPacket("dev-1", 64, clock.Now()))
	require.NoError(t, err)
	assert.Empty(t, envs)

	clock.Advance(150 * time.Millisecond)
	envs, err = p.Ingest(testPacket("dev-1", 64, clock.Now()))
	require.NoError(t, err)
	assert.Len(t, envs, 1)
}

func TestProcessorFailureIsolation(t *testing.T) {
	clock := newStepClock(time.Unix(1700000000, 0))
	var failed []string
	p := NewProcessor(Config{
		BufferDurationMs: 10000,
		Clock:            clock,
		OnError: func(stream, pair string, err error) {
			failed = append(failed, pair)
		},
	})
	require.NoError(t, p.RegisterPair(Pair{
		Name:          "broken-extract",
		NewExtractor:  func() features.Extractor { return &fakeExtractor{name: "broken-extract", windowMs: 100, fail: true} },
		NewClassifier: func() classify.Classifier { return &fakeClassifier{label: "x"} },
	}))
	require.NoError(t, p.RegisterPair(Pair{
		Name:          "panicky",
		NewExtractor:  func() features.Extractor { return &fakeExtractor{name: "panicky", windowMs: 100} },
		NewClassifier: func() classify.Classifier { return &fakeClassifier{panics: true} },
	}))
	require.NoError(t, p.RegisterPair(testPair("healthy", 100, 0)))

	envs, err := p.Ingest(testPacket("dev-1", 512, clock.Now()))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "healthy", envs[0].Pair)
	assert.ElementsMatch(t, []string{"broken-extract", "panicky"}, failed)
}

func TestProcessorWindowMissIsSilent(t *testing.T) {
	clock := newStepClock(time.Unix(1700000000, 0))
	p := NewProcessor(Config{BufferDurationMs: 10000, Clock: clock})
	require.NoError(t, p.RegisterPair(testPair("needs-5s", 5000, 0)))
	require.NoError(t, p.RegisterPair(testPair("needs-100ms", 100, 0)))

	// Half a second of data: the five-second pair skips, the other runs.
	envs, err := p.Ingest(testPacket("dev-1", 128, clock.Now()))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "needs-100ms", envs[0].Pair)
}

func TestProcessorMinInterval(t *testing.T) {
	clock := newStepClock(time.Unix(1700000000, 0))
	p := NewProcessor(Config{BufferDurationMs: 10000, Clock: clock})
	throttled := testPair("epoch", 100, 0)
	throttled.MinIntervalMs = 1000
	require.NoError(t, p.RegisterPair(throttled))
	require.NoError(t, p.RegisterPair(testPair("fast", 100, 0)))

	envs, err := p.Ingest(testPacket("dev-1", 256, clock.Now()))
	require.NoError(t, err)
	assert.Len(t, envs, 2)

	clock.Advance(200 * time.Millisecond)
	envs, err = p.Ingest(testPacket("dev-1", 64, clock.Now()))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "fast", envs[0].Pair)

	clock.Advance(time.Second)
	envs, err = p.Ingest(testPacket("dev-1", 64, clock.Now()))
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func TestProcessorWindowAccessor(t *testing.T) {
	clock := newStepClock(time.Unix(1700000000, 0))
	p := NewProcessor(Config{BufferDurationMs: 10000, Clock: clock})

	_, err := p.Window("dev-1", 500)
	assert.Error(t, err, "unknown stream")

	_, err = p.Ingest(testPacket("dev-1", 256, clock.Now()))
	require.NoError(t, err)

	// One second buffered: a half-second window succeeds, a five-second
	// window does not.
	w, err := p.Window("dev-1", 500)
	require.NoError(t, err)
	assert.Equal(t, []string{"C3", "C4"}, w.Channels)
	assert.InDelta(t, 500, w.DurationMs, 10)
	assert.Len(t, w.Data[0], 128)

	_, err = p.Window("dev-1", 5000)
	assert.Error(t, err, "not yet buffered")
}

func TestProcessorStreamsAutoCreate(t *testing.T) {
	clock := newStepClock(time.Unix(1700000000, 0))
	var mu sync.Mutex
	var delivered []Envelope
	p := NewProcessor(Config{
		BufferDurationMs: 10000,
		Clock:            clock,
		OnResult: func(env Envelope) {
			mu.Lock()
			delivered = append(delivered, env)
			mu.Unlock()
		},
	})
	require.NoError(t, p.RegisterPair(testPair("alpha", 100, 0)))

	_, err := p.Ingest(testPacket("headset-a", 256, clock.Now()))
	require.NoError(t, err)
	_, err = p.Ingest(testPacket("headset-b", 256, clock.Now()))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"headset-a", "headset-b"}, p.Streams())
	mu.Lock()
	assert.Len(t, delivered, 2)
	mu.Unlock()

	p.RemoveStream("headset-a")
	assert.ElementsMatch(t, []string{"headset-b"}, p.Streams())
}

func TestProcessorClassifierStateIsPerStream(t *testing.T) {
	clock := newStepClock(time.Unix(1700000000, 0))
	p := NewProcessor(Config{BufferDurationMs: 10000, Clock: clock})

	built := 0
	require.NoError(t, p.RegisterPair(Pair{
		Name:         "counting",
		NewExtractor: func() features.Extractor { return &fakeExtractor{name: "counting", windowMs: 100} },
		NewClassifier: func() classify.Classifier {
			built++
			return &countingClassifier{}
		},
	}))

	envsA, err := p.Ingest(testPacket("headset-a", 256, clock.Now()))
	require.NoError(t, err)
	require.Len(t, envsA, 1)
	envsB, err := p.Ingest(testPacket("headset-b", 256, clock.Now()))
	require.NoError(t, err)
	require.Len(t, envsB, 1)

	// Each stream classifies on its own instance, so both see call #1.
	assert.Equal(t, 2, built, "factory should run once per stream")
	assert.Equal(t, 1.0, envsA[0].Result.Base().Confidence)
	assert.Equal(t, 1.0, envsB[0].Result.Base().Confidence)
}

func TestProcessorEpochCountersDoNotCrossStreams(t *testing.T) {
	clock := newStepClock(time.Unix(1700000000, 0))
	p := NewProcessor(Config{BufferDurationMs: 40000, Clock: clock})
	require.NoError(t, p.RegisterPair(Pair{
		Name:          "sleep_stage",
		NewExtractor:  func() features.Extractor { return features.NewSleep() },
		NewClassifier: func() classify.Classifier { return classify.NewSleepStage() },
	}))

	for _, device := range []string{"bed-a", "bed-b"} {
		envs, err := p.Ingest(testPacket(device, 30*256, clock.Now()))
		require.NoError(t, err)
		require.Len(t, envs, 1, "stream %s", device)
		res, ok := envs[0].Result.(*core.SleepStageResult)
		require.True(t, ok)
		assert.Equal(t, 1, res.EpochNumber, "stream %s must start at its own first epoch", device)
	}
}
