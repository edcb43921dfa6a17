package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sf1r/sf1r-master/aggregator"
	"github.com/sf1r/sf1r-master/config"
	"github.com/sf1r/sf1r-master/coord"
	"github.com/sf1r/sf1r-master/logger"
	"github.com/sf1r/sf1r-master/master"
	"github.com/sf1r/sf1r-master/migration"
	"github.com/sf1r/sf1r-master/registry"
	"github.com/sf1r/sf1r-master/topology"
	"github.com/sf1r/sf1r-master/writebroker"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to YAML configuration file")
		nodeHost    = flag.String("host", "", "This node's advertised host")
		workerPort  = flag.Int("worker-port", 0, "This node's worker RPC port")
		masterPort  = flag.Int("master-port", 0, "This node's master registration port")
		metricsAddr = flag.String("metrics", ":9090", "HTTP address for Prometheus metrics")
		asyncWrites = flag.Bool("async-writes", false, "Bypass the write-prepare ephemeral (in-memory prepare only)")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("--config is required")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	log := logger.NewLogger("sf1r-master")

	cl, err := coord.NewClient(cfg.Coordination.Endpoints, "master-"+cfg.Cluster)
	if err != nil {
		log.Fatalf("dial coordination store: %v", err)
	}

	// curNode.NodeID is the shard id this process serves; under the
	// single-process-per-shard deployment model, the first configured shard
	// names this process's own slot.
	curNode := topology.Sf1rNode{
		NodeID:     cfg.Shards[0],
		ReplicaID:  cfg.ReplicaID,
		Host:       *nodeHost,
		WorkerPort: *workerPort,
		MasterPort: *masterPort,
		IsGood:     true,
	}

	perServiceCollections := make(map[string][]string)
	for service, svc := range cfg.Services {
		for collection := range svc.Collections {
			perServiceCollections[service] = append(perServiceCollections[service], collection)
		}
	}

	topo := topology.New(curNode, cfg, perServiceCollections)
	reg := registry.New()
	regPaths := registry.Paths{Prefix: cfg.Coordination.Prefix}
	srvPaths := registry.ServersPaths{Prefix: cfg.Coordination.Prefix}

	ctrl := master.New(cl, topo, reg, regPaths, srvPaths, log)

	workerPool := aggregator.NewWorkerClientPool(log)
	binder := aggregator.New(topo, reg, curNode.NodeID, workerPool, log)
	ctrl.SetBinder(binder)

	brokerPaths := writebroker.Paths{Prefix: cfg.Coordination.Prefix}
	broker := writebroker.New(cl, brokerPaths, curNode.NodeID, "", *asyncWrites, log)
	ctrl.SetWriteBroker(broker)

	// OnRequestAvailable is invoked with the cache non-empty; it must drain
	// the cache via PopWrite as it dispatches, or CheckForNewWrite will spin
	// on an always-non-empty cache on the next watch fire. Document parsing
	// and index dispatch are out of scope here, so this default handler pops
	// and logs each request; a deployment that wires an actual worker-side
	// apply path replaces this closure.
	broker.OnRequestAvailable = func() bool {
		for {
			popCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			req, ok, err := broker.PopWrite(popCtx)
			cancel()
			if err != nil {
				log.Warnf("drain write request for shard %d: %v", curNode.NodeID, err)
				return false
			}
			if !ok {
				return true
			}
			log.Infof("dispatched write request for shard %d: type=%s path=%s", curNode.NodeID, req.Type, req.Path)
		}
	}

	migrationCoord := migration.New(cl, migration.Paths{Prefix: cfg.Coordination.Prefix}, log, func(shardID uint32) migration.ShardStatus {
		n, ok := reg.Worker(shardID)
		state := migration.NodeStateUnknown
		if ok && n.IsGood {
			state = migration.NodeStateStarted
		}

		queueCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		children, err := cl.GetChildren(queueCtx, brokerPaths.QueuePath(shardID), false)
		if err != nil {
			log.Warnf("migration status: list write queue for shard %d: %v", shardID, err)
		}

		return migration.ShardStatus{QueueEmpty: len(children) == 0, State: state}
	})
	migrationCoord.IsPrimary = ctrl.IsPrimary

	binder.IsNewSharding = func(shardID uint32) bool {
		shardingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		isNew, err := migrationCoord.IsNewSharding(shardingCtx, shardID)
		if err != nil {
			log.Warnf("migration status: check new-sharding membership for shard %d: %v", shardID, err)
			return false
		}
		return isNew
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("start master controller: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infof("received signal %v, shutting down", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	ctrl.Stop(stopCtx)

	_ = metricsSrv.Close()
	if err := cl.Close(); err != nil {
		log.Warnf("close coordination client: %v", err)
	}

	log.Infof("sf1r-master stopped")
}
