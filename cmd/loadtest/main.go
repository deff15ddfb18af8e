package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neuroloop/backend/internal/classify"
	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/features"
	"github.com/neuroloop/backend/internal/metrics"
	"github.com/neuroloop/backend/internal/stream"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	NumPackets     int
	Streams        int
	SamplingRate   float64
	ChunkSamples   int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalPackets        uint64
	TotalSamples        uint64
	ResultsEmitted      uint64
	IngestErrors        uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

var loadChannels = []string{"Fp1", "Fp2", "C3", "C4", "P3", "P4", "O1", "O2"}

func main() {
	numPackets := flag.Int("packets", 10000, "Number of sample packets to push")
	streams := flag.Int("streams", 8, "Number of concurrent signal streams")
	rate := flag.Float64("rate", 256, "Sampling rate in Hz")
	chunk := flag.Int("chunk", 25, "Samples per packet (25 @ 256Hz ≈ 100ms)")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		NumPackets:     *numPackets,
		Streams:        *streams,
		SamplingRate:   *rate,
		ChunkSamples:   *chunk,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting Classification Pipeline Load Test")
	slog.Info("Packets", "num_packets", config.NumPackets)
	slog.Info("Streams", "streams", config.Streams)
	slog.Info("Signal", "sampling_rate_hz", config.SamplingRate, "chunk_samples", config.ChunkSamples)
	stats := runLoadTest(config)

	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{
		MinLatency: time.Hour,
	}

	proc := stream.NewProcessor(stream.Config{
		Metrics: metrics.NewMetrics(),
		OnResult: func(env stream.Envelope) {
			atomic.AddUint64(&stats.ResultsEmitted, 1)
		},
		OnError: func(streamID, pair string, err error) {
			atomic.AddUint64(&stats.IngestErrors, 1)
		},
	})

	pairs := []stream.Pair{
		{
			Name:          "mental_state",
			NewExtractor:  func() features.Extractor { return features.NewMentalState() },
			NewClassifier: func() classify.Classifier { return classify.NewMental() },
		},
		{
			Name:          "motor_imagery",
			NewExtractor:  func() features.Extractor { return features.NewMotorImagery(features.MotorConfig{}) },
			NewClassifier: func() classify.Classifier { return classify.NewMotor(classify.MotorConfig{}) },
		},
		{
			Name:          "seizure",
			NewExtractor:  func() features.Extractor { return features.NewSeizure() },
			NewClassifier: func() classify.Classifier { return classify.NewSeizurePredictor(classify.SeizureConfig{}) },
			MinIntervalMs: 500,
		},
		{
			Name:          "sleep_stage",
			NewExtractor:  func() features.Extractor { return features.NewSleep() },
			NewClassifier: func() classify.Classifier { return classify.NewSleepStage() },
			MinIntervalMs: 30_000,
		},
	}
	for _, pair := range pairs {
		if err := proc.RegisterPair(pair); err != nil {
			slog.Error("register pair failed", "pair", pair.Name, "error", err)
			return stats
		}
	}

	var latencies []time.Duration
	var latenciesMu sync.Mutex

	packetChan := make(chan int, config.NumPackets)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Streams; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			streamID := fmt.Sprintf("load-%d", workerID)
			if err := proc.EnsureStream(streamID, loadChannels, config.SamplingRate); err != nil {
				slog.Error("ensure stream failed", "stream", streamID, "error", err)
				return
			}
			rng := rand.New(rand.NewSource(int64(workerID)))
			seq := 0
			for range packetChan {
				pushPacket(proc, streamID, config, rng, seq, stats, &latencies, &latenciesMu)
				seq++
			}
		}(i)
	}

	for i := 0; i < config.NumPackets; i++ {
		packetChan <- i
	}
	close(packetChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalPackets) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

// pushPacket ingests one synthetic EEG chunk: a 10 Hz alpha carrier with
// per-channel phase offsets and white noise, which reliably drives the
// relaxation-versus-focus band powers.
func pushPacket(
	proc *stream.Processor,
	streamID string,
	config LoadTestConfig,
	rng *rand.Rand,
	seq int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	data := make([][]float64, len(loadChannels))
	t0 := float64(seq*config.ChunkSamples) / config.SamplingRate
	for ch := range loadChannels {
		samples := make([]float64, config.ChunkSamples)
		phase := float64(ch) * 0.3
		for i := range samples {
			t := t0 + float64(i)/config.SamplingRate
			samples[i] = 20*math.Sin(2*math.Pi*10*t+phase) + rng.NormFloat64()*2
		}
		data[ch] = samples
	}

	packet := &core.SamplePacket{
		Channels:     loadChannels,
		SamplingRate: config.SamplingRate,
		Data:         data,
		Timestamp:    time.Now().UTC(),
		DeviceID:     streamID,
		SessionID:    "loadtest",
		SignalType:   core.SignalEEG,
		Source:       "loadtest",
	}

	start := time.Now()
	_, err := proc.Ingest(packet)
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalPackets, 1)
	atomic.AddUint64(&stats.TotalSamples, uint64(config.ChunkSamples*len(loadChannels)))
	if err != nil {
		atomic.AddUint64(&stats.IngestErrors, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalPackets)
			results := atomic.LoadUint64(&stats.ResultsEmitted)
			errs := atomic.LoadUint64(&stats.IngestErrors)

			slog.Info("Progress", "packets", total, "results", results, "errors", errs,
				"min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Packets:          %d\n", stats.TotalPackets)
	fmt.Printf("Total Samples:          %d\n", stats.TotalSamples)
	fmt.Printf("Results Emitted:        %d\n", stats.ResultsEmitted)
	fmt.Printf("Ingest Errors:          %d (%.2f%%)\n",
		stats.IngestErrors,
		float64(stats.IngestErrors)/float64(stats.TotalPackets)*100)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f packets/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Ingest Latency (min):   %v\n", stats.MinLatency)
	fmt.Printf("Ingest Latency (avg):   %v\n", stats.AvgLatency)
	fmt.Printf("Ingest Latency (p95):   %v\n", stats.P95Latency)
	fmt.Printf("Ingest Latency (p99):   %v\n", stats.P99Latency)
	fmt.Printf("Ingest Latency (max):   %v\n", stats.MaxLatency)
	fmt.Println(separator)

	// Performance assessment: the pipeline must classify well inside its
	// 100ms cadence or results pile up behind the ring buffer.
	if stats.P95Latency < 100*time.Millisecond {
		fmt.Println("✅ PASS: P95 ingest latency meets target (<100ms)")
	} else {
		fmt.Println("❌ FAIL: P95 ingest latency above target (>100ms)")
	}

	if stats.P99Latency < 250*time.Millisecond {
		fmt.Println("✅ PASS: P99 ingest latency meets target (<250ms)")
	} else {
		fmt.Println("⚠️  WARN: P99 ingest latency above target (>250ms)")
	}

	errorRate := float64(stats.IngestErrors) / float64(stats.TotalPackets) * 100
	if errorRate < 1 {
		fmt.Println("✅ PASS: Error rate meets target (<1%)")
	} else {
		fmt.Println("❌ FAIL: Error rate above target (>1%)")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
