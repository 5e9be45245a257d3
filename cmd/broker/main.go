package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tranqmq/tranq/internal/broker"
	"github.com/tranqmq/tranq/internal/compression"
	"github.com/tranqmq/tranq/internal/discovery"
	"github.com/tranqmq/tranq/internal/logging"
	"github.com/tranqmq/tranq/internal/mqlog"
	"github.com/tranqmq/tranq/internal/transaction"
	"github.com/tranqmq/tranq/pkg/config"
)

func main() {
	var (
		configFile = flag.String("config", "configs/broker.yaml", "Configuration file path")
		nodeID     = flag.String("node-id", "", "Node ID (overrides config)")
		dataDir    = flag.String("data-dir", "", "Data directory (overrides config)")
	)
	flag.Parse()

	cfg, err := config.LoadBrokerConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	storeCfg := &mqlog.Config{
		DataDir:              cfg.DataDir,
		FileReservedHours:    cfg.Storage.FileReservedHours,
		CompressionType:      compression.ParseType(cfg.Storage.CompressionType),
		CompressionThreshold: cfg.Storage.CompressionThreshold,
	}
	store, err := mqlog.Open(storeCfg)
	if err != nil {
		log.Fatalf("Failed to open message store: %v", err)
	}

	registry, err := discovery.NewRegistry(&cfg.Discovery)
	if err != nil {
		log.Fatalf("Failed to create producer registry: %v", err)
	}

	bridge := transaction.NewBridge(store, cfg.Transaction.HalfQueueNum, logging.GetLogger())
	checkCfg := &transaction.CheckConfig{
		TransactionTimeout:  cfg.Transaction.TransactionTimeout(),
		TransactionCheckMax: cfg.Transaction.TransactionCheckMax,
		CheckInterval:       cfg.Transaction.CheckInterval(),
		HalfQueueNum:        cfg.Transaction.HalfQueueNum,
	}
	service, err := transaction.NewService(bridge, checkCfg)
	if err != nil {
		log.Fatalf("Failed to create transaction service: %v", err)
	}

	dispatcherCfg := transaction.DefaultDispatcherConfig()
	dispatcherCfg.Workers = cfg.Transaction.DispatchWorkers
	dispatcher := transaction.NewCheckDispatcher(registry, dispatcherCfg)
	dispatcher.Bind(service)
	dispatcher.Start()

	service.Start(dispatcher)

	server := broker.NewServer(fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort), service, registry)
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start broker server: %v", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Println("Shutting down...")
	if err := server.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}
	service.Stop()
	dispatcher.Stop()
	if err := registry.Close(); err != nil {
		log.Printf("Error closing registry: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Broker stopped")
}
