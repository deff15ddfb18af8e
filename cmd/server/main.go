package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/neuroloop/backend/internal/api"
	"github.com/neuroloop/backend/internal/classify"
	"github.com/neuroloop/backend/internal/compliance"
	"github.com/neuroloop/backend/internal/config"
	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/device"
	"github.com/neuroloop/backend/internal/events"
	"github.com/neuroloop/backend/internal/features"
	"github.com/neuroloop/backend/internal/identity"
	"github.com/neuroloop/backend/internal/ledger"
	"github.com/neuroloop/backend/internal/metrics"
	"github.com/neuroloop/backend/internal/quality"
	"github.com/neuroloop/backend/internal/storage"
	"github.com/neuroloop/backend/internal/stream"
	"github.com/neuroloop/backend/internal/webhooks"
	"github.com/neuroloop/backend/pb"
)

const signingKeyRing = "neuroloop-audit"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults apply when empty)")
	profilesPath := flag.String("profiles", "", "path to deployment profiles yaml")
	profile := flag.String("profile", "", "deployment profile (clinical, consumer, research)")
	flag.Parse()

	log.Println("🧠 Starting NeuroLoop Backend...")

	cfg, err := loadConfig(*configPath, *profilesPath, *profile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	clock := core.RealClock{}

	// Workload identity for the gRPC bridge link; nil means insecure
	// local mode.
	idProvider, err := identity.NewProvider(identity.Config{
		Enabled:     cfg.Identity.SPIFFEEnabled,
		SocketPath:  cfg.Identity.SocketPath,
		TrustDomain: cfg.Identity.TrustDomain,
		AllowedIDs:  cfg.Identity.AllowedIDs,
	})
	if err != nil {
		log.Fatalf("Failed to initialize workload identity: %v", err)
	}
	if idProvider != nil {
		defer idProvider.Close()
	}

	// Storage tiers.
	rows, documents, warehouse := buildStorageTiers(cfg)
	idempotency := storage.NewMemoryIdempotencyStore()

	// Event signing.
	eventSigner, err := ledger.NewEventSigner(ctx, ledger.NewLocalSigner(), signingKeyRing)
	if err != nil {
		log.Fatalf("Failed to initialize event signer: %v", err)
	}
	log.Printf("🔏 Event signer ready, key %s", eventSigner.CurrentKeyID())

	checker := compliance.NewChecker(clock)

	// Event processor behind the durable queue.
	processor, err := ledger.NewProcessor(ledger.ProcessorConfig{
		Row:         rows,
		Documents:   documents,
		Warehouse:   warehouse,
		Idempotency: idempotency,
		Signer:      eventSigner,
		Metrics:     m,
		Compliance:  checker.Check,
	})
	if err != nil {
		log.Fatalf("Failed to initialize event processor: %v", err)
	}

	queue, stopQueue, err := buildQueue(ctx, cfg, processor)
	if err != nil {
		log.Fatalf("Failed to initialize ledger queue: %v", err)
	}
	defer stopQueue()

	// Ledger facade owns the chain cursor.
	auditLedger, err := ledger.New(ledger.Config{
		Queue:     queue,
		Warehouse: warehouse,
		Signer:    eventSigner,
		Clock:     clock,
		Metrics:   m,
	})
	if err != nil {
		log.Fatalf("Failed to initialize ledger: %v", err)
	}
	if err := auditLedger.Start(ctx); err != nil {
		log.Fatalf("Failed to load chain cursor: %v", err)
	}

	// Alert webhooks.
	registry := webhooks.NewRegistry()
	alerts, stopAlerts := buildAlertDispatcher(cfg, registry, m)
	defer stopAlerts()

	if cfg.Ledger.VerifyOnStart {
		verifyChainAtBoot(ctx, auditLedger, alerts, clock)
	}

	// Push surfaces.
	streamer := api.NewResultStreamer()
	go streamer.Run()
	defer streamer.Stop()

	var bridge *api.MonitorBridge
	if cfg.Monitoring.EnableLiveStream {
		bridge = api.NewMonitorBridge()
		bridge.Start()
		defer bridge.Close()
	}

	// Classification pipeline.
	streamProc := stream.NewProcessor(stream.Config{
		CadenceMs:        cfg.Processing.CadenceMs,
		BufferDurationMs: cfg.Processing.BufferDurationMs,
		Clock:            clock,
		Metrics:          m,
		OnResult: func(env stream.Envelope) {
			streamer.StreamClassification(env)
			if bridge != nil {
				bridge.EmitClassification(env)
			}
			emitSeizureAlert(env, alerts, streamer, bridge)
		},
		OnError: func(streamID, pair string, err error) {
			log.Printf("⚠️ Classifier %s failed on stream %s: %v", pair, streamID, err)
		},
	})
	registerPairs(streamProc)

	// Signal-quality monitor sweeps the live streams.
	monitor, err := quality.NewMonitor(streamProc, quality.MonitorConfig{
		Interval: time.Duration(cfg.Quality.CheckIntervalSeconds * float64(time.Second)),
		Analysis: quality.Config{SamplingRate: 256, LineFreq: cfg.Quality.LineFreqHz},
		Metrics:  m,
		OnSummary: func(streamID string, summary core.QualitySummary) {
			streamer.StreamQuality(streamID, summary)
			if bridge != nil {
				bridge.EmitQuality(streamID, summary)
			}
		},
		OnTransition: func(streamID string, from, to core.QualityLevel) {
			if core.WorseQuality(from, to) != to {
				return // level improved
			}
			alerts.Emit(webhooks.EventQualityDegraded, "", map[string]interface{}{
				"stream": streamID,
				"from":   string(from),
				"to":     string(to),
			})
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize quality monitor: %v", err)
	}
	monitor.Start()
	defer monitor.Stop()

	// Device fabric.
	manager := buildDeviceManager(ctx, cfg, m, clock, idProvider, streamProc, auditLedger, alerts)

	// Periodic compliance reporting from the warehouse.
	reporter, err := compliance.NewReporter(compliance.ReporterConfig{
		Warehouse: warehouse,
		Verifier:  auditLedger,
		Clock:     clock,
		OnReport: func(report *compliance.Report) {
			log.Printf("📋 Compliance report: %d events, signature coverage %.2f, chain valid=%v",
				report.TotalEvents, report.SignatureCoverage, report.ChainValid)
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize compliance reporter: %v", err)
	}
	reporter.Start()
	defer reporter.Stop()

	// REST surface.
	server := api.NewServer(api.Deps{
		Manager:   manager,
		Processor: streamProc,
		Monitor:   monitor,
		Ledger:    auditLedger,
		Documents: documents,
		Rows:      rows,
		Warehouse: warehouse,
		Webhooks:  registry,
		Alerts:    alerts,
		Streamer:  streamer,
		Bridge:    bridge,
		Clock:     clock,
	})

	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")
		if err := manager.StopStreaming(); err != nil {
			log.Printf("Stop streaming: %v", err)
		}
		manager.FlushAggregates()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("📡 Environment: %s, cadence %.0fms, warehouse %s, queue %s",
		cfg.Server.Env, cfg.Processing.CadenceMs, cfg.Storage.Warehouse, cfg.Queue.Kind)
	if err := server.Start(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

// loadConfig resolves the effective configuration, going through the
// profile manager when a profiles file or profile name is given.
func loadConfig(configPath, profilesPath, profile string) (*config.Config, error) {
	if profilesPath == "" && profile == "" {
		return config.LoadConfig(configPath)
	}
	manager, err := config.NewManager(configPath, profilesPath)
	if err != nil {
		return nil, err
	}
	return manager.Get(profile), nil
}

// buildStorageTiers wires the three audit tiers from configuration,
// falling back to in-memory implementations for local development.
func buildStorageTiers(cfg *config.Config) (storage.RowStore, storage.DocumentStore, storage.WarehouseStore) {
	var rows storage.RowStore
	if cfg.Storage.RedisAddr != "" {
		redisRows, err := storage.NewRedisRowStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, 0)
		if err != nil {
			log.Fatalf("Failed to connect Redis row store: %v", err)
		}
		rows = redisRows
		log.Printf("🗄️  Row tier: redis (%s)", cfg.Storage.RedisAddr)
	} else {
		rows = storage.NewMemoryRowStore()
		log.Println("🗄️  Row tier: in-memory")
	}

	var documents storage.DocumentStore
	if cfg.Storage.SupabaseURL != "" {
		supabaseDocs, err := storage.NewSupabaseDocumentStore()
		if err != nil {
			log.Fatalf("Failed to connect Supabase document store: %v", err)
		}
		documents = supabaseDocs
		log.Println("🗄️  Document tier: supabase")
	} else {
		documents = storage.NewMemoryDocumentStore()
		log.Println("🗄️  Document tier: in-memory")
	}

	var warehouse storage.WarehouseStore
	switch cfg.Storage.Warehouse {
	case "spanner":
		project, instance, database, err := splitSpannerPath(cfg.Storage.SpannerDatabase)
		if err != nil {
			log.Fatalf("Invalid SPANNER_DATABASE: %v", err)
		}
		spannerWarehouse, err := storage.NewSpannerWarehouse(project, instance, database)
		if err != nil {
			log.Fatalf("Failed to connect Spanner warehouse: %v", err)
		}
		warehouse = spannerWarehouse
		log.Println("🗄️  Warehouse tier: spanner")
	case "postgres":
		pgWarehouse, err := storage.NewPostgresWarehouse(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect Postgres warehouse: %v", err)
		}
		warehouse = pgWarehouse
		log.Println("🗄️  Warehouse tier: postgres")
	default:
		warehouse = storage.NewMemoryWarehouse()
		log.Println("🗄️  Warehouse tier: in-memory")
	}

	return rows, documents, warehouse
}

// splitSpannerPath parses projects/P/instances/I/databases/D.
func splitSpannerPath(path string) (project, instance, database string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "instances" || parts[4] != "databases" {
		return "", "", "", fmt.Errorf("want projects/P/instances/I/databases/D, got %q", path)
	}
	return parts[1], parts[3], parts[5], nil
}

// buildQueue wires the durable ledger queue and subscribes the event
// processor to it. The returned stop function drains the queue.
func buildQueue(ctx context.Context, cfg *config.Config, processor *ledger.Processor) (events.EventEmitter, func(), error) {
	if cfg.Queue.Kind == "pubsub" {
		bus, err := events.NewPubSubEventBus(cfg.Queue.ProjectID, cfg.Queue.Topic)
		if err != nil {
			return nil, nil, err
		}
		go func() {
			if err := bus.Receive(ctx, cfg.Queue.Subscription, processor.Handle); err != nil && ctx.Err() == nil {
				log.Printf("❌ Pub/Sub receive loop ended: %v", err)
			}
		}()
		log.Printf("📨 Ledger queue: pubsub topic %s", bus.TopicPath())
		return bus, func() { bus.Close() }, nil
	}

	bus := events.NewEventBus(cfg.Queue.BufferSize)
	bus.Subscribe(processor.Handle)
	bus.Start(ctx)
	log.Printf("📨 Ledger queue: in-memory, depth %d", cfg.Queue.BufferSize)
	return bus, bus.Close, nil
}

// buildAlertDispatcher picks Cloud Tasks delivery when a queue is
// configured, worker-pool delivery otherwise.
func buildAlertDispatcher(cfg *config.Config, registry *webhooks.Registry, m *metrics.Metrics) (webhooks.WebhookEmitter, func()) {
	if cfg.Webhooks.CloudTasksQueue != "" {
		cloud, err := webhooks.NewCloudDispatcher(registry, cfg.Queue.ProjectID, "us-central1", cfg.Webhooks.CloudTasksQueue, 2)
		if err == nil {
			log.Printf("🔔 Alert delivery: cloud tasks queue %s", cfg.Webhooks.CloudTasksQueue)
			return cloud, cloud.Shutdown
		}
		log.Printf("⚠️ Cloud Tasks unavailable, using in-memory dispatcher: %v", err)
	}
	dispatcher := webhooks.NewDispatcher(registry, webhooks.DispatcherOptions{
		QueueSize: cfg.Webhooks.QueueSize,
		Timeout:   time.Duration(cfg.Webhooks.TimeoutSeconds) * time.Second,
		Metrics:   m,
	})
	return dispatcher, dispatcher.Shutdown
}

// verifyChainAtBoot runs a full-history integrity check. A violation is
// loud but not fatal: the operator decides what to do with a broken
// chain, the server must still come up to serve the evidence.
func verifyChainAtBoot(ctx context.Context, auditLedger *ledger.Ledger, alerts webhooks.WebhookEmitter, clock core.Clock) {
	report, err := auditLedger.VerifyChainIntegrity(ctx, time.Unix(0, 0).UTC(), clock.Now())
	if err != nil {
		log.Printf("⚠️ Startup chain verification failed to run: %v", err)
		return
	}
	if !report.Valid {
		log.Printf("❌ CHAIN VIOLATION at startup: first break at index %d of %d events",
			report.FirstBreakIndex, report.EventCount)
		alerts.Emit(webhooks.EventChainViolation, "", map[string]interface{}{
			"first_break_index": report.FirstBreakIndex,
			"event_count":       report.EventCount,
			"verified_at":       report.VerifiedAt,
		})
		return
	}
	log.Printf("✅ Chain verified at startup: %d events intact", report.EventCount)
}

// registerPairs installs the four extractor/classifier pair factories;
// every stream gets private instances so baselines and epoch counters
// stay per patient. Sleep staging follows the 30 s epoch convention;
// seizure prediction runs at most twice a second to keep its spectral
// features affordable.
func registerPairs(p *stream.Processor) {
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
		if err := p.RegisterPair(pair); err != nil {
			log.Fatalf("Failed to register classifier %s: %v", pair.Name, err)
		}
	}
	log.Printf("🧩 Registered classifier pairs: %v", p.Pairs())
}

// buildDeviceManager wires the device registry, discovery scanners and
// the pipeline callbacks.
func buildDeviceManager(
	ctx context.Context,
	cfg *config.Config,
	m *metrics.Metrics,
	clock core.Clock,
	idProvider *identity.SPIFFEProvider,
	streamProc *stream.Processor,
	auditLedger *ledger.Ledger,
	alerts webhooks.WebhookEmitter,
) *device.Manager {
	var bridgeClient pb.LSLBridgeClient
	if cfg.Devices.LSLBridgeAddr != "" {
		conn, err := grpc.NewClient(cfg.Devices.LSLBridgeAddr,
			grpc.WithTransportCredentials(identity.TransportCredentials(idProvider)))
		if err != nil {
			log.Printf("⚠️ LSL bridge unreachable, LSL devices disabled: %v", err)
		} else {
			bridgeClient = pb.NewLSLBridgeClient(conn)
			log.Printf("🔌 LSL bridge: %s", cfg.Devices.LSLBridgeAddr)
		}
	}

	manager := device.NewManager(device.ManagerConfig{
		WindowMs:   cfg.Devices.AggregationWindowMs,
		Metrics:    m,
		Clock:      clock,
		LSLBridge:  bridgeClient,
		PairingTTL: time.Duration(cfg.Devices.PairingTTLMinutes) * time.Minute,
	})

	discovery := manager.Discovery()
	if cfg.Devices.SyntheticCount > 0 {
		discovery.RegisterScanner(&device.SyntheticScanner{Count: cfg.Devices.SyntheticCount})
	}
	if len(cfg.Devices.SerialPatterns) > 0 {
		discovery.RegisterScanner(&device.SerialScanner{Patterns: cfg.Devices.SerialPatterns})
	}
	if len(cfg.Devices.WiFiHosts) > 0 {
		discovery.RegisterScanner(&device.WiFiScanner{Hosts: cfg.Devices.WiFiHosts})
	}
	if bridgeClient != nil {
		discovery.RegisterScanner(&device.LSLScanner{Client: bridgeClient})
	}

	manager.OnPacket(func(packet *core.SamplePacket) {
		if _, err := streamProc.Ingest(packet); err != nil {
			log.Printf("⚠️ Dropped packet from %s: %v", packet.DeviceID, err)
		}
	})

	// Each aggregation window is anchored in the audit chain by its
	// content hash.
	manager.OnBatch(func(batch device.AggregatedBatch) {
		payload, err := json.Marshal(batch)
		if err != nil {
			log.Printf("⚠️ Failed to serialize aggregation window: %v", err)
			return
		}
		sum := sha256.Sum256(payload)
		_, err = auditLedger.LogEvent(ctx, core.EventDataIngested,
			ledger.WithSession(batch.SessionID),
			ledger.WithDataHash(hex.EncodeToString(sum[:])),
			ledger.WithMetadata(map[string]interface{}{
				"devices":      batch.DeviceIDs,
				"sample_count": batch.SampleCount,
				"window_ms":    batch.WindowMs,
			}))
		if err != nil {
			log.Printf("⚠️ Failed to ledger aggregation window: %v", err)
		}
	})

	manager.OnDeviceError(func(deviceID string, devErr error) {
		alerts.Emit(webhooks.EventDeviceError, manager.ActiveSession(), map[string]interface{}{
			"device_id": deviceID,
			"error":     devErr.Error(),
		})
		if _, err := auditLedger.LogEvent(ctx, core.EventDeviceError,
			ledger.WithDevice(deviceID),
			ledger.WithSession(manager.ActiveSession()),
			ledger.WithMetadataField("error", devErr.Error())); err != nil {
			log.Printf("⚠️ Failed to ledger device error: %v", err)
		}
	})

	return manager
}

// emitSeizureAlert fires the high-sensitivity alert path for seizure
// results graded HIGH or above.
func emitSeizureAlert(env stream.Envelope, alerts webhooks.WebhookEmitter, streamer *api.ResultStreamer, bridge *api.MonitorBridge) {
	seizure, ok := env.Result.(*core.SeizureResult)
	if !ok {
		return
	}
	if seizure.RiskLevel != core.RiskHigh && seizure.RiskLevel != core.RiskImminent {
		return
	}

	data := map[string]interface{}{
		"stream":      env.Stream,
		"risk_level":  string(seizure.RiskLevel),
		"probability": seizure.Probability,
	}
	if seizure.PatientID != "" {
		data["patient_id"] = seizure.PatientID
	}
	if seizure.TimeToSeizureMinutes != nil {
		data["time_to_seizure_minutes"] = *seizure.TimeToSeizureMinutes
	}

	alerts.Emit(webhooks.EventSeizureRisk, "", data)
	streamer.StreamAlert("seizure_risk", env.Stream, data)
	if bridge != nil {
		bridge.EmitAlert("seizure_risk", env.Stream, data)
	}
}
