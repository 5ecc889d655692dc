package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"trust-service/config"
	"trust-service/internal/api"
	"trust-service/internal/broker"
	"trust-service/internal/redisclient"
	"trust-service/internal/service"
	"trust-service/internal/store"
	"trust-service/internal/util"
	"trust-service/internal/worker"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting trust service")

	tp, err := util.InitTracer("trust-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(
		cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Business.LoginFailWindowSec)*time.Second)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTrust)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	trustCfg := service.DefaultTrustConfig()
	trustCfg.HandlingWindow = time.Duration(cfg.Business.HandlingDaysMax) * 24 * time.Hour

	trustService := service.NewTrustService(trustCfg, db, redisClient, eventPublisher, cfg.Business.LoginFailThreshold)
	tierService := service.NewTierService(trustCfg, db)
	orderService := service.NewOrderService(db, trustService, tierService, eventPublisher)
	walletService := service.NewWalletService(db, db, orderService, service.NewProviderClient())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, orderService)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil {
			log.Printf("Payment worker error: %v", err)
		}
	}()

	escrowWorker := worker.NewEscrowReleaseWorker(orderService, cfg.Business.EscrowAutoReleaseDays)
	go func() {
		if err := escrowWorker.Start(workerCtx); err != nil {
			log.Printf("Escrow release worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(trustService, orderService, walletService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	paymentWorker.Stop()

	log.Println("Server exited")
}
