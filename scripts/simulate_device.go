// simulate_device drives a running backend the way a headset bridge
// would: it opens a session, pushes synthetic EEG batches at wall-clock
// rate, and prints the classification results coming back over the
// results websocket.
//
// Usage: go run scripts/simulate_device.go -url http://localhost:8080 -seconds 30
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/neuroloop/backend/pkg/sdk"
)

var channels = []string{"Fp1", "Fp2", "C3", "C4", "P3", "P4", "O1", "O2"}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "backend base URL")
	seconds := flag.Int("seconds", 30, "how long to stream")
	rate := flag.Float64("rate", 256, "sampling rate in Hz")
	alphaHz := flag.Float64("alpha", 10, "carrier frequency in Hz (10 = relaxed alpha)")
	flag.Parse()

	client := sdk.NewClient(sdk.Config{BaseURL: *baseURL})
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*seconds+30)*time.Second)
	defer cancel()

	fmt.Println("🎧 Simulated headset starting")

	if _, err := client.Health(ctx); err != nil {
		log.Fatalf("❌ Backend unreachable at %s: %v", *baseURL, err)
	}
	fmt.Printf("📡 Connected to %s\n", *baseURL)

	session, err := client.CreateSession(ctx, "sim-user", "simulated headset run")
	if err != nil {
		log.Fatalf("❌ Create session: %v", err)
	}
	fmt.Printf("✅ Session %s active\n", session.ID)

	sub, err := client.SubscribeResults(ctx)
	if err != nil {
		log.Fatalf("❌ Subscribe results: %v", err)
	}
	defer sub.Close()

	go func() {
		for event := range sub.Events() {
			switch event.Type {
			case sdk.StreamEventClassification:
				fmt.Printf("🧠 [%s] %s → %v\n", event.Stream, event.Data["pair"], event.Data["result"])
			case sdk.StreamEventQuality:
				fmt.Printf("📶 [%s] quality update\n", event.Stream)
			case sdk.StreamEventAlert:
				fmt.Printf("🚨 [%s] ALERT: %v\n", event.Stream, event.Data)
			}
		}
	}()

	// 100ms batches at wall-clock rate, like a real acquisition loop.
	chunk := int(*rate / 10)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("▶️  Streaming %d s of synthetic EEG (%.0f Hz, %.0f Hz carrier)\n", *seconds, *rate, *alphaHz)

	batches := *seconds * 10
	pushed := 0
	for i := 0; i < batches; i++ {
		<-ticker.C

		batch := makeBatch(chunk, *rate, *alphaHz, float64(i)*0.1, rng)
		ack, err := client.PushSamples(ctx, "sim-headset", batch)
		if err != nil {
			log.Printf("⚠️ Push failed: %v", err)
			continue
		}
		pushed += ack.Samples

		if (i+1)%50 == 0 {
			fmt.Printf("… %d s streamed, %d samples accepted\n", (i+1)/10, pushed)
		}
	}

	if summary, err := client.StreamQuality(ctx, "sim-headset"); err == nil {
		fmt.Printf("📶 Final signal quality: %s (mean SNR %.1f dB)\n", summary.Overall, summary.MeanSNRDb)
	}

	ended, err := client.EndSession(ctx, session.ID)
	if err != nil {
		log.Fatalf("❌ End session: %v", err)
	}
	fmt.Printf("🏁 Session %s ended, %d samples streamed\n", ended.ID, pushed)

	// The session lifecycle should already be on the chain.
	if events, err := client.SessionEvents(ctx, session.ID, 10); err == nil {
		fmt.Printf("📜 Ledger recorded %d events for this session\n", events.Count)
	}
}

// makeBatch builds one channel-major chunk: a sinusoidal carrier with
// per-channel phase offsets plus white noise.
func makeBatch(chunk int, rate, carrierHz, t0 float64, rng *rand.Rand) *sdk.SampleBatch {
	now := time.Now().UTC()
	data := make([][]float64, len(channels))
	for ch := range channels {
		samples := make([]float64, chunk)
		phase := float64(ch) * 0.4
		for i := range samples {
			t := t0 + float64(i)/rate
			samples[i] = 25*math.Sin(2*math.Pi*carrierHz*t+phase) + rng.NormFloat64()*3
		}
		data[ch] = samples
	}
	return &sdk.SampleBatch{
		Channels:     channels,
		SamplingRate: rate,
		SignalType:   "EEG",
		Source:       "simulator",
		Timestamp:    &now,
		Data:         data,
	}
}
