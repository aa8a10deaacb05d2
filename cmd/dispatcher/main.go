// Command dispatcher runs one campaign dispatch core process: the dispatch
// worker pool plus every background reconciliation service (janitor, ledger
// and queue reconcilers, invariant monitor, waitlist compactor and
// promoter, pause refresher), wired against a shared Redis KV coordinator
// and MongoDB store.
//
// # Configuration
//
// Every knob is read from the environment by package config; see
// config.Load for the full list and defaults.
//
// # Clustering
//
// Multiple dispatcher processes pointed at the same Redis and MongoDB form
// a fleet: the KV layer's atomic lease scripts make concurrent dispatch
// safe across processes, and the distributed ticker (goa.design/pulse/pool)
// ensures only one process runs a given reconciliation pass per interval.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/pulse/pool"

	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/config"
	"github.com/dialcore/campaign-core/dispatch"
	"github.com/dialcore/campaign-core/janitor"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/lifecycle"
	"github.com/dialcore/campaign-core/monitor"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/queue/redisqueue"
	"github.com/dialcore/campaign-core/reconcile"
	"github.com/dialcore/campaign-core/retrypolicy"
	"github.com/dialcore/campaign-core/shutdown"
	storemongo "github.com/dialcore/campaign-core/store/mongo"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/telemetry/clue"
	"github.com/dialcore/campaign-core/telemetry/noop"
	"github.com/dialcore/campaign-core/telephony"
	"github.com/dialcore/campaign-core/ticker"
	"github.com/dialcore/campaign-core/waitlist"
)

// Exit codes per the process contract: 0 graceful shutdown, 1 shutdown
// failure, 2 startup-config error.
const (
	exitShutdownFailure = 1
	exitStartupFailure  = 2
)

func main() {
	if err := run(); err != nil {
		log.Print(err)
		if errors.Is(err, errStartup) {
			os.Exit(exitStartupFailure)
		}
		os.Exit(exitShutdownFailure)
	}
}

// errStartup tags failures that occur before the worker fleet is running,
// distinguishing exit code 2 from a failed drain's exit code 1.
var errStartup = errors.New("startup")

func startupErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errStartup}, args...)...)
}

// backgroundService is the Start/Stop lifecycle every reconciliation
// service in this process exposes.
type backgroundService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	logger := telemetry.Logger(noop.NewLogger())
	metrics := telemetry.Metrics(noop.NewMetrics())
	if envTruthy("TELEMETRY_CLUE") {
		logger = clue.NewLogger()
		metrics = clue.NewMetrics()
	}

	rdb := newRedisClient(cfg)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return startupErr("connect to redis: %v", err)
	}
	kvc := kv.New(rdb)

	// goa.design/pulse/pool.AddNode requires a concrete *redis.Client; a
	// cluster-mode deployment still gets one dedicated single-node client
	// purely for distributed-ticker coordination, pointed at the first
	// cluster seed address.
	poolRedisAddr := cfg.RedisURL
	if len(cfg.RedisCluster) > 0 {
		poolRedisAddr = cfg.RedisCluster[0]
	}
	poolRDB := redis.NewClient(&redis.Options{Addr: poolRedisAddr, Password: cfg.RedisPassword})
	defer func() {
		if err := poolRDB.Close(); err != nil {
			log.Printf("close pulse redis client: %v", err)
		}
	}()
	poolNode, err := pool.AddNode(ctx, "campaign-dispatch", poolRDB)
	if err != nil {
		return startupErr("add pulse pool node: %v", err)
	}
	tickerSrc := ticker.NewSource(poolNode)

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return startupErr("connect to mongo: %v", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(ctx); err != nil {
			log.Printf("close mongo: %v", err)
		}
	}()
	db := mongoClient.Database(cfg.MongoDatabase)
	st := storemongo.NewStore(storemongo.Collections{
		Campaigns: db.Collection("campaigns"),
		Contacts:  db.Collection("contacts"),
		CallLogs:  db.Collection("call_logs"),
		Retries:   db.Collection("retry_attempts"),
	})

	q := redisqueue.New(kvc, logger, 0)

	track := concurrency.New(kvc, logger)
	wait := waitlist.New(kvc, track, logger)
	circuit := dispatch.NewCircuit(kvc, cfg.CircuitFailureThreshold, cfg.CircuitOpenDuration)
	retries := retrypolicy.New(st.Retries, st.Contacts, q)

	initiator := &unconfiguredInitiator{logger: logger}

	pipeline := dispatch.New(dispatch.Deps{
		Tracker:   track,
		Waitlist:  wait,
		Circuit:   circuit,
		Campaigns: st.Campaigns,
		Contacts:  st.Contacts,
		CallLogs:  st.CallLogs,
		Queue:     q,
		Initiator: initiator,
		Retries:   retries,
		Logger:    logger,
		Metrics:   metrics,
	})

	j := janitor.New(kvc, track, st.Campaigns, logger, cfg.JanitorInterval, tickerSrc)
	ledgerRec := reconcile.NewLedgerReconciler(kvc, track, wait, q, st.Campaigns, st.Contacts, logger, cfg.LedgerReconcileInterval, cfg.LedgerGraceWindow, tickerSrc)
	queueRec := reconcile.NewQueueReconciler(q, track, st.Campaigns, st.Contacts, st.CallLogs, retries, logger, cfg.QueueReconcileInterval, cfg.StallThreshold, tickerSrc)
	inv := monitor.New(kvc, track, st.Campaigns, &monitor.LoggingAlertSink{Logger: logger}, logger, cfg.InvariantMonitorInterval, tickerSrc)
	compactor := waitlist.NewCompactor(wait, st.Contacts, st.Campaigns, logger, cfg.CompactorInterval, tickerSrc)
	promoter := waitlist.NewPromoter(wait, track, q, st.Campaigns, st.Contacts, logger, 0, cfg.AgingThreshold, cfg.PromotionBatchSize, tickerSrc)
	pauseRefresher := lifecycle.NewPauseRefresher(kvc, q, st.Campaigns, logger, 0, tickerSrc)

	lc := lifecycle.New(kvc, lifecycle.Deps{
		Tracker:        track,
		Waitlist:       wait,
		Queue:          q,
		Campaigns:      st.Campaigns,
		Contacts:       st.Contacts,
		CallLogs:       st.CallLogs,
		Retries:        st.Retries,
		Logger:         logger,
		PurgeGraceWait: cfg.PurgeGraceWait,
		ColdStartRamp:  cfg.ColdStartRampDuration,
	})
	_ = lc // the HTTP/gRPC operator API that would call lc's methods is outside this process's scope

	background := []backgroundService{j, ledgerRec, queueRec, inv, compactor, promoter, pauseRefresher}
	stoppables := make([]shutdown.Stoppable, len(background))
	for i, b := range background {
		if err := b.Start(ctx); err != nil {
			return startupErr("start background service: %v", err)
		}
		stoppables[i] = b
	}

	workerCtx, workerCancel := context.WithCancel(ctx)
	var workerWG sync.WaitGroup
	workers := cfg.SystemMaxConcurrentCalls
	if workers <= 0 || workers > 64 {
		workers = 64
	}
	for i := 0; i < workers; i++ {
		workerWG.Add(1)
		go runWorker(workerCtx, &workerWG, q, pipeline, logger)
	}

	log.Printf("dispatcher running (workers=%d)", workers)
	<-ctx.Done()
	log.Printf("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+cfg.ShutdownDrainWait+5*time.Second)
	defer cancel()
	svc := shutdown.New(shutdown.Deps{
		KVC:          kvc,
		Tracker:      track,
		Waitlist:     wait,
		Campaigns:    st.Campaigns,
		Logger:       logger,
		Grace:        cfg.ShutdownGrace,
		DrainWait:    cfg.ShutdownDrainWait,
		Background:   stoppables,
		WorkerCancel: workerCancel,
		WorkerWG:     &workerWG,
	})
	return svc.Run(shutdownCtx)
}

// runWorker pulls jobs off the queue and hands them to the pipeline until
// ctx is cancelled, the same pull-loop shape the teacher's pool workers use
// to drain a shared work channel.
func runWorker(ctx context.Context, wg *sync.WaitGroup, q queue.Queue, pipeline *dispatch.Pipeline, logger telemetry.Logger) {
	defer wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		popCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		job, ok, err := q.Pop(popCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "dispatcher worker: pop failed", "error", err.Error())
			continue
		}
		if !ok {
			continue
		}
		if err := pipeline.HandleJob(ctx, job); err != nil {
			logger.Warn(ctx, "dispatcher worker: handle job failed", "campaign_id", job.CampaignID, "contact_id", job.ContactID, "error", err.Error())
		}
	}
}

// unconfiguredInitiator is the placeholder telephony.Initiator a fresh
// deployment starts with. Vendor integration is outside this core's scope;
// an operator wires a concrete Initiator (the vendor SDK adapter) in before
// going live. This implementation never accepts a dial, so a campaign
// started against it surfaces every contact as a vendor rejection rather
// than silently hanging.
type unconfiguredInitiator struct {
	logger telemetry.Logger
}

func (u *unconfiguredInitiator) Initiate(ctx context.Context, req telephony.DialRequest) (telephony.DialResult, error) {
	u.logger.Warn(ctx, "no telephony.Initiator configured; rejecting dial", "campaign_id", req.CampaignID, "call_id", req.CallID)
	return telephony.DialResult{Accepted: false, Reason: "no vendor configured"}, nil
}

func newRedisClient(cfg config.Config) redis.UniversalClient {
	if len(cfg.RedisCluster) > 0 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.RedisCluster,
			Password: cfg.RedisPassword,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
	})
}

func envTruthy(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true" || v == "TRUE"
}
