package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/eaglefi/evault/pkg/api"
	"github.com/eaglefi/evault/pkg/events"
	"github.com/eaglefi/evault/pkg/metrics"
	"github.com/eaglefi/evault/pkg/store"
	"github.com/eaglefi/evault/pkg/vault"
	"github.com/eaglefi/evault/pkg/websocket"
)

const (
	defaultDataDir     = ".evault"
	defaultHTTPPort    = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	// Network
	HTTPPort    int    `yaml:"httpPort"`
	WSPort      int    `yaml:"wsPort"`
	MetricsPort int    `yaml:"metricsPort"`
	NATSURL     string `yaml:"natsUrl"`

	// Vault
	PrimaryAsset   string `yaml:"primaryAsset"`
	SecondaryAsset string `yaml:"secondaryAsset"`
	Owner          string `yaml:"owner"`

	// Keeper cadence
	ReportSchedule   string        `yaml:"reportSchedule"`
	TendPoll         time.Duration `yaml:"tendPoll"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`

	// Features
	EnableMetrics bool `yaml:"enableMetrics"`
	EnableNATS    bool `yaml:"enableNats"`
}

// Node ties the vault ledger to its operational surfaces: RPC, websocket,
// metrics, events, the keeper loops and snapshot persistence.
type Node struct {
	config    *Config
	logger    log.Logger
	vault     *vault.Vault
	store     *store.SnapshotStore
	publisher *events.Publisher
	metrics   *metrics.VaultMetrics
	wsServer  *websocket.Server
	cron      *cron.Cron

	// Simulated strategies the dev ledger runs against, by ID.
	strategies map[string]*vault.SimStrategy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(config *Config) (*Node, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing evault node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	snapshots, err := store.Open(dataPath, logger.New("module", "store"))
	if err != nil {
		return nil, err
	}

	// The in-process deployment runs against simulated settlement:
	// one shared bank backs custody, the router and the strategies.
	bank := vault.NewSimBank()
	router := vault.NewSimRouter(bank, "vault-treasury")
	router.SetRate(config.SecondaryAsset, config.PrimaryAsset, decimal.NewFromInt(1))
	router.SetRate(config.PrimaryAsset, config.SecondaryAsset, decimal.NewFromInt(1))

	v, err := vault.New(vault.Config{
		PrimaryAsset:   config.PrimaryAsset,
		SecondaryAsset: config.SecondaryAsset,
		Feed:           vault.NewSimPriceFeed(),
		Pool:           vault.NewSimPool(),
		Router:         router,
		Custody:        vault.NewSimCustody(bank, "vault-treasury"),
		Owner:          config.Owner,
		Params:         vault.DefaultParams(),
		Logger:         logger.New("module", "vault"),
	})
	if err != nil {
		snapshots.Close()
		return nil, fmt.Errorf("create vault: %w", err)
	}

	strategies := map[string]*vault.SimStrategy{
		"stable-yield": vault.NewSimStrategy(bank, "stable-yield", "vault-treasury",
			config.PrimaryAsset, config.SecondaryAsset),
	}

	// Resume from the last saved ledger state when one exists.
	if snap, seq, err := snapshots.Load(); err != nil {
		logger.Warn("failed to load snapshot, starting fresh", "error", err)
	} else if snap != nil {
		if err := v.Restore(snap, func(id string) vault.Strategy {
			if s, ok := strategies[id]; ok {
				return s
			}
			return nil
		}); err != nil {
			logger.Warn("failed to restore snapshot, starting fresh", "seq", seq, "error", err)
		} else {
			logger.Info("ledger restored", "seq", seq,
				"totalAssets", v.TotalAssets().String(),
				"totalSupply", v.TotalSupply().String())
		}
	}

	// A fresh ledger starts with the dev strategy registered at half weight.
	if len(v.Strategies()) == 0 {
		if err := v.AddStrategy(config.Owner, "stable-yield", strategies["stable-yield"], 5_000); err != nil {
			snapshots.Close()
			return nil, fmt.Errorf("register strategy: %w", err)
		}
	}

	var vaultMetrics *metrics.VaultMetrics
	if config.EnableMetrics {
		vaultMetrics, err = metrics.NewVaultMetrics("evault")
		if err != nil {
			snapshots.Close()
			return nil, err
		}
	}

	var publisher *events.Publisher
	if config.EnableNATS {
		publisher, err = events.Connect(config.NATSURL, logger.New("module", "events"))
		if err != nil {
			logger.Warn("NATS unavailable, events disabled", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		config:     config,
		logger:     logger,
		vault:      v,
		store:      snapshots,
		publisher:  publisher,
		metrics:    vaultMetrics,
		wsServer:   websocket.NewServer(v, logger.New("module", "websocket"), websocket.DefaultConfig()),
		cron:       cron.New(),
		strategies: strategies,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (n *Node) Start() error {
	// JSON-RPC surface
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := api.StartJSONRPCServer(n.ctx, n.config.HTTPPort, n.vault,
			n.logger.New("module", "api")); err != nil {
			n.logger.Error("JSON-RPC server stopped", "error", err)
		}
	}()

	// Websocket surface
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.wsServer.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server stopped", "error", err)
		}
	}()

	// Metrics surface
	if n.metrics != nil {
		if err := n.metrics.StartServer(fmt.Sprintf("%d", n.config.MetricsPort)); err != nil {
			return err
		}
		go n.metrics.CollectSystemMetrics(n.ctx)
	}

	// Keeper report cadence
	if _, err := n.cron.AddFunc(n.config.ReportSchedule, n.runReport); err != nil {
		return fmt.Errorf("bad report schedule %q: %w", n.config.ReportSchedule, err)
	}
	n.cron.Start()

	// Tend poll loop
	n.wg.Add(1)
	go n.tendLoop()

	// Snapshot loop
	n.wg.Add(1)
	go n.snapshotLoop()

	n.logger.Info("evault node started",
		"rpc", n.config.HTTPPort,
		"ws", n.config.WSPort,
		"reportSchedule", n.config.ReportSchedule)
	return nil
}

func (n *Node) runReport() {
	summary, err := n.vault.Report(n.config.Owner)
	if err != nil {
		n.logger.Error("report cycle failed", "error", err)
		return
	}
	if n.metrics != nil {
		profit, _ := new(big.Float).SetInt(summary.Profit).Float64()
		loss, _ := new(big.Float).SetInt(summary.Loss).Float64()
		n.metrics.RecordReport(profit, loss)
		n.updateLedgerMetrics()
	}
	n.publisher.Report(events.ReportEvent{
		Profit:       summary.Profit.String(),
		Loss:         summary.Loss.String(),
		FeeShares:    summary.FeeShares.String(),
		LockedShares: summary.LockedShares.String(),
		TotalAssets:  summary.TotalAssets.String(),
		TotalSupply:  summary.TotalSupply.String(),
	})
	n.wsServer.BroadcastReport(summary)
	n.wsServer.BroadcastStatus()
}

func (n *Node) tendLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.TendPoll)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			due, reason := n.vault.TendTrigger()
			if !due {
				n.logger.Debug("tend not due", "reason", reason)
				continue
			}
			if err := n.vault.Tend(n.config.Owner); err != nil {
				n.logger.Error("tend failed", "error", err)
				continue
			}
			if n.metrics != nil {
				n.metrics.RecordTend()
				n.updateLedgerMetrics()
			}
			n.publisher.Tend(events.StrategyEvent{Action: "tend"})
			n.wsServer.BroadcastStatus()
		}
	}
}

func (n *Node) snapshotLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.store.Save(n.vault.Snapshot()); err != nil {
				n.logger.Error("snapshot save failed", "error", err)
			}
		}
	}
}

func (n *Node) updateLedgerMetrics() {
	assets, _ := new(big.Float).SetInt(n.vault.TotalAssets()).Float64()
	supply, _ := new(big.Float).SetInt(n.vault.TotalSupply()).Float64()
	locked, _ := new(big.Float).SetInt(n.vault.LockedShares()).Float64()
	price, _ := n.vault.SharePrice().Float64()
	n.metrics.UpdateLedger(assets, supply, price, locked)
	for _, entry := range n.vault.Strategies() {
		debt, _ := new(big.Float).SetInt(entry.Debt).Float64()
		n.metrics.UpdateStrategyDebt(entry.ID, debt)
	}
}

func (n *Node) Stop() {
	n.logger.Info("Shutting down evault node")
	n.cron.Stop()
	n.cancel()
	n.wsServer.Stop()

	// Final snapshot before the store closes.
	if seq, err := n.store.Save(n.vault.Snapshot()); err != nil {
		n.logger.Error("final snapshot failed", "error", err)
	} else {
		n.logger.Info("final snapshot saved", "seq", seq)
	}

	n.publisher.Close()
	n.store.Close()
	n.wg.Wait()
}

func loadConfig() (*Config, error) {
	config := &Config{
		DataDir:          defaultDataDir,
		LogLevel:         "info",
		HTTPPort:         defaultHTTPPort,
		WSPort:           defaultWSPort,
		MetricsPort:      defaultMetricsPort,
		NATSURL:          "nats://localhost:4222",
		PrimaryAsset:     "USDN",
		SecondaryAsset:   "PEGD",
		Owner:            "management",
		ReportSchedule:   "@daily",
		TendPoll:         time.Minute,
		SnapshotInterval: 10 * time.Minute,
		EnableMetrics:    true,
	}

	var configFile string
	flag.StringVar(&configFile, "config", "", "YAML config file")
	flag.StringVar(&config.DataDir, "data-dir", config.DataDir, "Data directory under $HOME")
	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	flag.IntVar(&config.HTTPPort, "http-port", config.HTTPPort, "JSON-RPC port")
	flag.IntVar(&config.WSPort, "ws-port", config.WSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", config.MetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats", config.NATSURL, "NATS server URL")
	flag.StringVar(&config.PrimaryAsset, "primary-asset", config.PrimaryAsset, "Primary asset symbol")
	flag.StringVar(&config.SecondaryAsset, "secondary-asset", config.SecondaryAsset, "Secondary asset symbol")
	flag.StringVar(&config.Owner, "owner", config.Owner, "Management address")
	flag.StringVar(&config.ReportSchedule, "report-schedule", config.ReportSchedule, "Cron schedule for report cycles")
	flag.DurationVar(&config.TendPoll, "tend-poll", config.TendPoll, "TendTrigger polling interval")
	flag.DurationVar(&config.SnapshotInterval, "snapshot-interval", config.SnapshotInterval, "Ledger snapshot interval")
	flag.BoolVar(&config.EnableMetrics, "metrics", config.EnableMetrics, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableNATS, "nats-events", config.EnableNATS, "Publish events to NATS")
	flag.Parse()

	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(raw, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configFile, err)
		}
	}
	return config, nil
}

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	node, err := NewNode(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start error: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	node.Stop()
}
