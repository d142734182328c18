package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/llm-moderator/internal/api"
	"github.com/whisper/llm-moderator/internal/classifier"
	"github.com/whisper/llm-moderator/internal/config"
	"github.com/whisper/llm-moderator/internal/forum"
	"github.com/whisper/llm-moderator/internal/hooksession"
	"github.com/whisper/llm-moderator/internal/lease"
	"github.com/whisper/llm-moderator/internal/messaging"
	"github.com/whisper/llm-moderator/internal/moderation"
	"github.com/whisper/llm-moderator/internal/mute"
	"github.com/whisper/llm-moderator/internal/ratelimit"
	"github.com/whisper/llm-moderator/internal/reconcile"
)

func main() {
	log.Println("Starting LLM moderation service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mute store.
	if err := mute.Migrate(cfg.Database.URL); err != nil {
		log.Fatalf("failed to migrate mute store: %v", err)
	}
	db, err := mute.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to connect to mute store: %v", err)
	}
	defer db.Close()
	table := cfg.PolicyTable()
	mutes := mute.NewStore(db, table)

	// Forum database.
	forumDSN := cfg.Forum.DatabaseURL
	if forumDSN == "" {
		forumDSN = cfg.Database.URL
	}
	forumStore, err := forum.Open(forumDSN, cfg.Forum.TablePrefix)
	if err != nil {
		log.Fatalf("failed to connect to forum database: %v", err)
	}
	defer forumStore.Close()

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()
	defer rdb.Close()

	// NATS setup. Events are optional: without NATS, notices and events are
	// dropped and cleanup can only be triggered over HTTP.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Printf("WARNING: NATS unavailable, events disabled: %v", err)
		natsClient = nil
	}

	var (
		modEvents moderation.Events
		recEvents reconcile.Events
	)
	if natsClient != nil {
		defer natsClient.Close()
		modEvents = natsClient
		recEvents = natsClient
	}

	cls := classifier.NewClient(classifier.Config{
		Endpoint: cfg.LLM.Endpoint,
		Timeout:  cfg.LLM.Timeout,
	})
	orch := moderation.NewOrchestrator(table, cls, mutes, forumStore, modEvents, moderation.Settings{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Prompt:      cfg.LLM.Prompt,
		MutedGroup:  cfg.Moderation.MutedGroup,
		InfoLogging: cfg.Moderation.InfoLogging,
		Location:    cfg.Location(),
	})

	rec := reconcile.New(mutes, forumStore, lease.NewManager(rdb), recEvents, reconcile.Options{
		MutedGroup:  cfg.Moderation.MutedGroup,
		LeaseTTL:    cfg.Cleanup.LeaseTTL,
		InfoLogging: cfg.Moderation.InfoLogging,
	})

	srv := api.NewServer(orch, hooksession.NewStore(rdb, 0), rec, mutes, forumStore, ratelimit.NewLimiter(rdb), api.Options{
		HookToken:        cfg.HookToken,
		AdminToken:       cfg.AdminToken,
		UnmuteCapability: cfg.Moderation.UnmuteCapability,
		AdminRule:        ratelimit.AdminRule(cfg.RateLimit.AdminPerMinute),
	})
	app := srv.App()

	if natsClient != nil {
		err := natsClient.SubscribeCleanupRun(func() messaging.CleanupReply {
			report, err := rec.RunCleanup(ctx, time.Now())
			if err != nil {
				return messaging.CleanupReply{Error: err.Error()}
			}
			return messaging.CleanupReply{
				Processed:    report.Processed,
				StillExpired: report.StillExpired,
				Message:      report.Message(),
			}
		})
		if err != nil {
			log.Fatalf("failed to subscribe to cleanup requests: %v", err)
		}
	}

	log.Printf("LLM moderation service running")
	log.Printf("  listen_addr: %s", cfg.ListenAddr)
	log.Printf("  redis_addr:  %s", cfg.Redis.Addr)
	log.Printf("  nats_url:    %s", cfg.NATS.URL)
	log.Printf("  model:       %s", cfg.LLM.Model)
	log.Printf("  cleanup:     every %s", cfg.Cleanup.Interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(cfg.ListenAddr)
	})
	g.Go(func() error {
		rec.Start(gctx, cfg.Cleanup.Interval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("moderation service stopped: %v", err)
		os.Exit(1)
	}
}
