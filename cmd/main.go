/**
 * @description
 * This is the main entry point for the cardstack-service. It loads configuration, connects
 * to PostgreSQL, Redis and RabbitMQ, dials every configured chain's node and bundler,
 * builds the application service and starts the HTTP server, the strategy trigger
 * consumer and the reconciliation scheduler.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: execution throttle.
 * - github.com/ethereum/go-ethereum: chain and bundler clients.
 * - internal/api, internal/app, internal/chains, internal/config, internal/ledger,
 *   internal/redeemer, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/routerclient: messaging and swap routing clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/cardstack-service/internal/api"
	"github.com/transfa/cardstack-service/internal/app"
	"github.com/transfa/cardstack-service/internal/chains"
	"github.com/transfa/cardstack-service/internal/config"
	"github.com/transfa/cardstack-service/internal/ledger"
	"github.com/transfa/cardstack-service/internal/redeemer"
	"github.com/transfa/cardstack-service/internal/store"
	rmrabbit "github.com/transfa/cardstack-service/pkg/rabbitmq"
	"github.com/transfa/cardstack-service/pkg/routerclient"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if !common.IsHexAddress(cfg.AgentAccountAddress) {
		log.Fatalf("level=fatal component=bootstrap msg=\"agent account address must be configured\" env=AGENT_ACCOUNT_ADDRESS")
	}

	log.Printf("level=info component=bootstrap msg=\"starting cardstack-service\" port=%s allocation_model=%s", cfg.ServerPort, cfg.AllocationModel)

	allocationModel, err := ledger.ParseAllocationModel(cfg.AllocationModel)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid allocation model\" err=%v", err)
	}

	registry, err := chains.Load(cfg.ChainConfigPath)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"chain config load failed\" path=%s err=%v", cfg.ChainConfigPath, err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	signer, err := redeemer.NewKeySigner(cfg.AgentPrivateKey)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"agent key load failed\" env=AGENT_PRIVATE_KEY err=%v", err)
	}
	backends, closeBackends := dialBackends(registry)
	defer closeBackends()
	if len(backends) == 0 {
		log.Println("level=warn component=bootstrap msg=\"no chain backends available; executions will fail until configured\"")
	}
	settlementTimeout := time.Duration(cfg.SettlementTimeoutSeconds) * time.Second
	agent := redeemer.New(
		common.HexToAddress(cfg.AgentAccountAddress),
		signer,
		backends,
		redeemer.WithSettlementTimeout(settlementTimeout),
	)

	routerClient := routerclient.NewClient(cfg.RouterAPIBaseURL, cfg.RouterAPIKey, time.Duration(cfg.RouterTimeoutSeconds)*time.Second)

	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	repository := store.NewPostgresRepository(dbpool)
	spendingLedger := ledger.New(repository, allocationModel)

	service := app.NewService(
		repository,
		spendingLedger,
		registry,
		agent,
		routerClient,
		app.NewEventSink(publisher, cfg.EventsExchange),
	)
	service.SetMaxActRetries(cfg.MaxActRetries)
	service.SetReconcileEligibility(time.Duration(cfg.ReconcileEligibilitySeconds) * time.Second)
	// Two settlement waits (pull and act) plus a router round trip.
	service.SetExecutionTimeout(2*settlementTimeout + time.Duration(cfg.RouterTimeoutSeconds)*time.Second + time.Minute)

	if redisClient := connectRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		service.SetExecutionRateLimiter(
			app.NewRedisExecutionRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.ExecutionRateLimitPerMinute,
		)
	}

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	triggers := app.NewTriggerConsumer(service)
	if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.TriggerEventQueue, triggers.Handlers()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"trigger consumer start failed\" err=%v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(service, logger, app.SchedulerConfig{
		ReconcileSchedule:  cfg.ReconcileSchedule,
		ExpirySchedule:     cfg.ExpirySchedule,
		ReconcileBatchSize: cfg.ReconcileBatchSize,
	})
	scheduler.Start()

	handlers := api.NewCardStackHandlers(service)
	router := api.CardStackRoutes(handlers, api.RouterConfig{
		Clerk: api.ClerkAuthConfig{
			JWKSURL:  cfg.ClerkJWKSURL,
			Audience: cfg.ClerkAudience,
			Issuer:   cfg.ClerkIssuer,
		},
		InternalAPIKey: cfg.InternalAPIKey,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"jobs still running at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// dialBackends connects to the node and bundler of every configured chain. Chains that
// cannot be reached are skipped so one outage does not stop the others.
func dialBackends(registry *chains.Registry) ([]redeemer.Backend, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var backends []redeemer.Backend
	var closers []func()
	for _, chain := range registry.Chains() {
		node, err := redeemer.DialChain(ctx, chain.RPCURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"chain rpc unavailable; skipping chain\" chain=%s chain_id=%d err=%v", chain.Name, chain.ChainID, err)
			continue
		}
		bundler, err := redeemer.DialBundler(ctx, chain.BundlerURL, chain.EntryPoint)
		if err != nil {
			node.Close()
			log.Printf("level=warn component=bootstrap msg=\"bundler unavailable; skipping chain\" chain=%s chain_id=%d err=%v", chain.Name, chain.ChainID, err)
			continue
		}
		closers = append(closers, node.Close, bundler.Close)
		backends = append(backends, redeemer.Backend{
			ChainID:    chain.ChainID,
			EntryPoint: chain.EntryPoint,
			Bundler:    bundler,
			Chain:      node,
		})
		log.Printf("level=info component=bootstrap msg=\"chain backend ready\" chain=%s chain_id=%d", chain.Name, chain.ChainID)
	}
	return backends, func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}
}

// connectRedis returns a client when the execution throttle is enabled and Redis answers.
func connectRedis(cfg config.Config) *redis.Client {
	if cfg.ExecutionRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; execution rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; execution rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; execution rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
