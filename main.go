// Command cdp runs the stream-processor service: webhook ingress,
// source connectors, and the unification pipeline (normalize → resolve
// → build → publish) over the shared bus. An operator can also trigger
// a one-shot erasure cascade via CDP_ERASE_STUDENT_ID.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/brightpath-edu/cdp/bus"
	"github.com/brightpath-edu/cdp/config"
	"github.com/brightpath-edu/cdp/connector"
	"github.com/brightpath-edu/cdp/consent"
	"github.com/brightpath-edu/cdp/dedup"
	"github.com/brightpath-edu/cdp/erasure"
	"github.com/brightpath-edu/cdp/identity"
	"github.com/brightpath-edu/cdp/logger"
	"github.com/brightpath-edu/cdp/normalizer"
	"github.com/brightpath-edu/cdp/processor"
	"github.com/brightpath-edu/cdp/profile"
	"github.com/brightpath-edu/cdp/redisclient"
	"github.com/brightpath-edu/cdp/segment"
	"github.com/brightpath-edu/cdp/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("cdp stream processor starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mongo
	mongoCtx, mongoCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.MongoURI))
	mongoCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("mongo connect failed")
	}
	defer func() {
		_ = client.Disconnect(context.Background())
	}()
	db := client.Database(cfg.MongoDatabase)

	profiles := store.NewMongoStore(db, "profiles", log)
	if err := profiles.EnsureIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("index creation failed")
	}

	// Redis
	var redisClient *redis.Client
	if rc, err := redisclient.New(cfg); err != nil {
		log.Warn().Err(err).Msg("redis init failed, continuing without redis")
	} else if err := redisclient.Ping(ctx, rc); err != nil {
		log.Warn().Err(err).Msg("redis ping failed, continuing without redis")
	} else {
		redisClient = rc
		log.Info().Msg("redis connected")
	}

	// Core services
	consentMgr := consent.NewManager(consent.NewMongoStore(db), redisClient, log)
	resolver := identity.NewResolver(profiles, identity.NewMongoAuditLog(db, "identity_audit_log"), consentMgr, log)

	segEngine := segment.NewEngine(loadSegmentRules(log), log)
	builder := profile.NewBuilder(profiles, segEngine, log)

	kafkaCfg := bus.KafkaConfig{
		Brokers:          cfg.KafkaBootstrapServers,
		SecurityProtocol: cfg.KafkaSecurityProtocol,
		SASLMechanism:    cfg.KafkaSASLMechanism,
		SASLUsername:     cfg.KafkaSASLUsername,
		SASLPassword:     cfg.KafkaSASLPassword,
		MaxRetries:       cfg.ProducerMaxRetries,
		BaseBackoff:      cfg.ProducerBackoff,
	}
	publisher := bus.NewKafkaPublisher(kafkaCfg, log)

	// One-shot erasure mode for the operator remediation workflow.
	if studentID := os.Getenv("CDP_ERASE_STUDENT_ID"); studentID != "" {
		runErasure(ctx, cfg, db, publisher, studentID, log)
		return
	}

	var dd dedup.Deduplicator
	if redisClient != nil {
		dd = dedup.NewRedis(redisClient, 0, log)
	}

	consumer := bus.NewKafkaConsumer(kafkaCfg, bus.TopicInteractions, cfg.ProcessorGroup, log)
	proc := processor.New(consumer, publisher, resolver, builder, profiles, dd, processor.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		BatchSize:      cfg.BatchSize,
		PollWait:       cfg.PollWait,
	}, log)

	// Webhook ingress + source connectors
	norm := normalizer.New(log)
	whatsapp := connector.NewWhatsAppWebhook(cfg.TwilioAuthToken, norm, log).MirrorRaw(publisher)
	email := connector.NewEmailWebhook(cfg.EmailWebhookSecret, norm, log).MirrorRaw(publisher)

	srv := &http.Server{
		Addr:         cfg.WebhookAddr,
		Handler:      connector.NewWebhookRouter(whatsapp, email, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var wg sync.WaitGroup
	runners := []*connector.Runner{
		connector.NewRunner(whatsapp, publisher, log),
		connector.NewRunner(email, publisher, log),
		connector.NewRunner(
			connector.NewClickstreamConnector(
				bus.NewKafkaConsumer(kafkaCfg, bus.TopicRawClickstream, cfg.ClickstreamGroup, log), norm, log),
			publisher, log),
		connector.NewRunner(
			connector.NewMobileAppConnector(
				bus.NewKafkaConsumer(kafkaCfg, bus.TopicRawMobileApp, cfg.MobileAppGroup, log), norm, log),
			publisher, log),
	}
	for _, r := range runners {
		wg.Add(1)
		go func(r *connector.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				log.Error().Err(err).Msg("connector runner stopped with error")
			}
		}(r)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := proc.Run(ctx); err != nil {
			log.Error().Err(err).Msg("stream processor stopped with error")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.WebhookAddr).Msg("webhook ingress listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("webhook server failed")
		}
	}()

	// Graceful shutdown: drain in-flight work, flush the publisher,
	// commit offsets, close the consumer.
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	log.Info().Msg("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("webhook server shutdown failed")
	}
	wg.Wait()
	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("publisher close failed")
	}
	log.Info().Msg("cdp stream processor stopped gracefully")
}

// loadSegmentRules reads extra segment definitions from the YAML file
// named by SEGMENT_RULES_PATH, when present.
func loadSegmentRules(log zerolog.Logger) []segment.Definition {
	path := os.Getenv("SEGMENT_RULES_PATH")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("segment rules file unreadable")
		return nil
	}
	defs, err := segment.LoadDefinitions(data)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("segment rules file invalid")
		return nil
	}
	return defs
}

// runErasure executes a one-shot cascade plus verification for the
// operator workflow.
func runErasure(ctx context.Context, cfg *config.Config, db *mongo.Database, publisher bus.Publisher, studentID string, log zerolog.Logger) {
	deleters := []erasure.StoreDeleter{
		erasure.NewMongoDeleter(db),
	}
	if cfg.WarehouseDSN != "" {
		warehouse, err := sql.Open("postgres", cfg.WarehouseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("warehouse connect failed")
		}
		defer warehouse.Close()
		deleters = append(deleters, erasure.NewWarehouseDeleter(warehouse, "bigquery", nil))
	}
	if cfg.VectorIndexURL != "" {
		deleters = append(deleters, erasure.NewVectorIndexDeleter(cfg.VectorIndexURL, cfg.VectorAPIKey))
	}
	if cfg.FeatureStoreURL != "" {
		deleters = append(deleters, erasure.NewFeatureStoreDeleter(cfg.FeatureStoreURL, cfg.FeatureAPIKey))
	}
	deleters = append(deleters,
		erasure.NewBusTombstoneDeleter(publisher, nil, cfg.BusFlushTimeout),
		erasure.NewCRMDeleter(db, cfg.CRMBaseURL, cfg.CRMAPIToken),
	)

	orch := erasure.NewOrchestrator(deleters, erasure.NewMongoAuditSink(db), cfg.StoreTimeout, log)
	report, err := orch.DeleteStudent(ctx, studentID)
	if err != nil {
		log.Error().Err(err).Msg("erasure cascade error")
	}
	if report != nil && !report.FullyDeleted {
		log.Error().Strs("failed_stores", report.FailedStores()).Msg("erasure incomplete, re-run after remediation")
		return
	}
	if _, err := orch.VerifyDeletion(ctx, studentID); err != nil {
		log.Error().Err(err).Msg("erasure verification error")
	}
}
