package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pack_sale/internal/alert"
	"pack_sale/internal/allocator"
	"pack_sale/internal/cache"
	"pack_sale/internal/catalog"
	"pack_sale/internal/chain"
	"pack_sale/internal/clock"
	"pack_sale/internal/config"
	"pack_sale/internal/model"
	"pack_sale/internal/payment"
	"pack_sale/internal/purchase"
	"pack_sale/internal/queue"
	"pack_sale/internal/router"
	"pack_sale/internal/store"
	"pack_sale/internal/vault"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		fatal(log, "load config", err)
	}
	if !cfg.PaymentConfigured() {
		fatal(log, "load config", errors.New("OMISE_PUBLIC_KEY and OMISE_SECRET_KEY are required"))
	}

	// 1. SQLite，自动建表
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatal(log, "db open", err)
	}
	if err := store.Migrate(db); err != nil {
		fatal(log, "db migrate", err)
	}
	st := store.New(db)

	// 2. Redis：限流、供应闸门、进行中锁、状态缓存、事件 outbox
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		fatal(log, "redis ping", err)
	}

	// 3. 外部系统：链适配层、支付网关、告警通道
	clk := clock.NewSystem()
	chainAdapter := chain.NewHTTPAdapter(cfg.ChainAdapterURL, cfg.ChainAPIKey, cfg.ChainTimeout, cfg.ChainRPS)

	omiseClient, err := payment.NewOmiseClient(cfg.OmisePublicKey, cfg.OmiseSecretKey)
	if err != nil {
		fatal(log, "omise client", err)
	}
	gateway := payment.NewOmiseGateway(omiseClient, cfg.PaymentTimeout)

	var alerts alert.Alerter = alert.NewLogAlerter(log)
	if cfg.AlertAMQPURL != "" {
		pub, err := alert.NewPublisher(cfg.AlertAMQPURL, cfg.AlertExchange, log)
		if err != nil {
			fatal(log, "alert publisher", err)
		}
		defer pub.Close()
		alerts = pub
	}

	// 4. 领域服务
	supply := cache.NewSupplyGate(rdb, cfg.SupplyCacheTTL)
	v := vault.New(st)
	alloc := allocator.New(st, clk,
		allocator.WithChain(chainAdapter),
		allocator.WithLogger(log),
		allocator.WithInitWait(cfg.QueueInitWait),
		allocator.WithContractResolver(func(ctx context.Context, sale *model.Sale) string {
			if sale.Chain == model.ChainEthereum {
				if eth, err := st.GetEthereumSale(ctx, sale.ID); err == nil {
					return eth.AssetContract
				}
			}
			return cfg.WaxSaleContract
		}),
	)
	cat := catalog.New(st,
		catalog.WithChain(chainAdapter, cfg.WaxSaleContract),
		catalog.WithSupply(supply),
		catalog.WithLogger(log),
	)
	orch := purchase.New(purchase.Deps{
		Store:   st,
		Clock:   clk,
		Queue:   alloc,
		Payment: gateway,
		Chain:   chainAdapter,
		Vault:   v,
		Alerts:  alerts,
	},
		purchase.WithMaxUnitsPerCall(cfg.MaxBuyInOneGo),
		purchase.WithChainTimeout(cfg.ChainTimeout),
		purchase.WithPaymentTimeout(cfg.PaymentTimeout),
		purchase.WithWaxContract(cfg.WaxSaleContract),
		purchase.WithSupplyGate(supply),
		purchase.WithInflightLock(cache.NewInflightLock(rdb, cfg.ChainTimeout+cfg.PaymentTimeout*3)),
		purchase.WithAttemptTracker(cache.NewAttemptTracker(rdb, 24*time.Hour)),
		purchase.WithEventSink(queue.NewOutbox(rdb, cfg.PurchaseEventStream)),
		purchase.WithLogger(log),
	)
	reconciler := purchase.NewReconciler(st, chainAdapter, v, log)
	sweeper := purchase.NewSweeper(st, clk, alerts, cfg.StalePendingAfter, cfg.StaleSweepInterval, log)

	// 5. 后台任务：outbox -> Kafka、铸造通知消费、pending 巡检
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	producer := queue.NewProducer(queue.ProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaPurchaseTopic})
	defer producer.Close()
	relay := queue.NewRelay(rdb, producer, cfg.PurchaseEventStream, cfg.PurchaseEventGroup, cfg.PurchaseEventConsumer, log)
	mints := queue.NewMintConsumer(cfg.KafkaBrokers, cfg.KafkaMintTopic, cfg.KafkaGroupID, reconciler, log)
	defer mints.Close()

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){relay.Run, mints.Run, sweeper.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	// 6. HTTP
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Catalog:    cat,
		Queue:      alloc,
		Purchases:  orch,
		Reconciler: reconciler,
		Sweeper:    sweeper,
		Payments:   purchase.NewPaymentDesk(st, gateway, clk, cfg.PaymentTimeout, log),
		Store:      st,
		Redis:      rdb,
		Config:     cfg,
		Log:        log,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ChainTimeout+cfg.PaymentTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
	wg.Wait()
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}
