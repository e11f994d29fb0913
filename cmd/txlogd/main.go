// Command txlogd is a demonstration host for the logging engine: it opens
// a replica (running recovery against whatever log already exists under
// -data), replays a handful of demo transactions through it as a primary,
// takes a checkpoint and a full backup, and exercises the copy/build wire
// format against its own state before shutting down cleanly.
//
// In the style of the teacher's cmd/rdbms: flag.Bool/flag.String for mode
// selection, logging.SetupLogger wired to slog.SetDefault before anything
// else runs, fatal setup errors logged then os.Exit(1).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joydb/txlog/internal/backup"
	"github.com/joydb/txlog/internal/checkpoint"
	"github.com/joydb/txlog/internal/clock"
	"github.com/joydb/txlog/internal/config"
	"github.com/joydb/txlog/internal/copytail"
	"github.com/joydb/txlog/internal/dispatch"
	"github.com/joydb/txlog/internal/host"
	"github.com/joydb/txlog/internal/locallog"
	"github.com/joydb/txlog/internal/logging"
	"github.com/joydb/txlog/internal/logwriter"
	"github.com/joydb/txlog/internal/opprocessor"
	"github.com/joydb/txlog/internal/record"
	"github.com/joydb/txlog/internal/recovery"
	"github.com/joydb/txlog/internal/replicatedlog"
	"github.com/joydb/txlog/internal/replicatorapi"
	"github.com/joydb/txlog/internal/tracing"
	"github.com/joydb/txlog/internal/txn"
	"github.com/joydb/txlog/internal/version"
)

func main() {
	dataDir := flag.String("data", "data/txlogd", "directory holding the replica's physical log and backups")
	memLog := flag.Bool("mem", false, "use an in-memory log instead of a file-backed one")
	replicaID := flag.Uint64("replica-id", 1, "this replica's id")
	workload := flag.Int("workload", 3, "number of demo transactions to replay as primary")
	flag.Parse()

	logger, closeFn := logging.SetupLogger()
	defer closeFn()
	slog.SetDefault(logger)

	if err := run(*dataDir, *memLog, *replicaID, *workload, logger); err != nil {
		slog.Error("txlogd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(dataDir string, memLog bool, replicaID uint64, workload int, logger *slog.Logger) error {
	ctx := context.Background()

	provider := tracing.NewProvider("txlogd")
	defer provider.Shutdown(ctx)
	tracer := provider.Tracer("txlogd")
	metrics := tracing.NewMetrics("txlogd")
	tracing.BridgeOtelLogging(logger)

	cfg := config.Default()
	// A real deployment checkpoints every CheckpointThresholdInMB of log
	// growth (64MB by default); this demo writes a handful of tiny records
	// and would never cross that threshold in its short lifetime, so it
	// lowers the bar to any growth at all in order to actually exercise the
	// checkpoint protocol below.
	cfg.CheckpointThresholdInMB = 0
	clk := clock.SystemClock{}

	log, err := openLog(dataDir, memLog)
	if err != nil {
		return fmt.Errorf("opening logical log: %w", err)
	}
	defer log.Close()

	state := newKVStateProvider()
	processor := opprocessor.NewProcessor(state)
	txnMap := txn.NewMap()
	replState := newReplicaState(logger)

	dispatcher := dispatch.NewSerialDispatcher(replState, processor, replState)
	writer := logwriter.NewWriter(log, dispatcher, logwriter.WithLogger(logger), logwriter.WithMetrics(metrics))

	replicator := newLoopReplicator()
	replicatedLog := replicatedlog.NewManager(writer, log, replicator, replicaID)
	dispatcher.SetStableLsnSink(replicatedLog)

	versionMgr := version.NewManager(replicatedLog)
	heads := newHeadTracker()

	checkpointMgr := checkpoint.NewManager(replicatedLog, txnMap, heads, state, replState, clk, cfg)
	checkpointMgr.SetTracer(tracer)

	recoveryMgr := recovery.NewManager(log, writer, replicatedLog, txnMap, processor, checkpointMgr)
	recoveryMgr.SetTracer(tracer)

	result, err := recoveryMgr.Open(ctx)
	if err != nil {
		return fmt.Errorf("recovery open: %w", err)
	}
	logger.Info("recovery complete",
		slog.Int64("tail_lsn", int64(result.TailLsn)),
		slog.Int64("last_stable_lsn", int64(result.LastStableLsn)),
		slog.Int("recovered_pending", result.RecoveredPendingCount),
		slog.Bool("fresh_log", result.WasFreshLog),
	)

	// Recovery finished: this single-node demo always becomes primary.
	replState.setRole(dispatch.RolePrimary)
	replState.setRecovering(false)
	processor.SetPhase(replicatorapi.PhasePrimary)

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building zap logger: %w", err)
	}
	defer zapLogger.Sync()

	hostMgr := host.New(noopNotifier{}, neverTimeout, zapLogger)
	instance := host.InstanceID(fmt.Sprintf("replica-%d", replicaID))
	if hostMgr.BeginActivate(instance, 1) == host.ActivationStarted {
		hostMgr.CompleteActivate(instance, 1)
	}
	defer func() {
		if err := hostMgr.DeactivateAll(ctx); err != nil {
			logger.Warn("deactivating code packages on shutdown", slog.Any("error", err))
		}
	}()

	if err := runWorkload(ctx, replicatedLog, writer, processor, txnMap, heads, checkpointMgr, versionMgr, workload, logger); err != nil {
		return fmt.Errorf("running demo workload: %w", err)
	}

	if err := demonstrateBackupAndCopy(ctx, dataDir, replicaID, state, log, replicatedLog, cfg, tracer); err != nil {
		return fmt.Errorf("demonstrating backup/copy: %w", err)
	}

	logger.Info("txlogd shutting down cleanly", slog.Int("stored_keys", state.size()))
	return nil
}

func openLog(dataDir string, memLog bool) (locallog.LogicalLog, error) {
	if memLog {
		return locallog.NewMemLog(), nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	return locallog.NewFileLog(filepath.Join(dataDir, "txlog.base"))
}

// runWorkload replays workload demo transactions as a primary, flushing
// and draining after each so every record is fully applied before the
// next begins, then takes one checkpoint and registers/unregisters a
// snapshot reader against the version manager.
func runWorkload(ctx context.Context, replicatedLog *replicatedlog.Manager, writer *logwriter.Writer, processor *opprocessor.Processor, txnMap *txn.Map, heads *headTracker, checkpointMgr *checkpoint.Manager, versionMgr *version.Manager, workload int, logger *slog.Logger) error {
	for i := 0; i < workload; i++ {
		key := fmt.Sprintf("demo-key-%d", i)
		value := []byte(fmt.Sprintf("demo-value-%d-%d", i, time.Now().UnixNano()%1000))
		if err := runDemoTransaction(ctx, replicatedLog, writer, processor, txnMap, checkpointMgr, uint64(i+1), key, value); err != nil {
			return err
		}
		logger.Info("demo transaction committed", slog.String("key", key))
	}

	if rec, err := replicatedLog.Index(ctx, alwaysIndexPolicy{}); err != nil {
		return fmt.Errorf("indexing: %w", err)
	} else {
		heads.record(rec)
	}

	if err := writer.FlushAsync(ctx, "txlogd.runWorkload"); err != nil {
		return fmt.Errorf("flushing before checkpoint: %w", err)
	}
	if err := checkpointMgr.CheckpointIfNecessary(ctx); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	vsn, err := versionMgr.RegisterAsync(ctx)
	if err != nil {
		return fmt.Errorf("registering snapshot version: %w", err)
	}
	logger.Info("registered demo snapshot reader", slog.Int64("vsn", int64(vsn)))
	versionMgr.UnRegister(vsn)

	txnMap.PruneCompleted(replicatedLog.LastStableLsn())
	return nil
}

// runDemoTransaction drives a single-operation commit through the engine
// exactly as a state-provider-hosting caller would: log begin and end,
// bookkeep the transaction map the way internal/recovery's forward replay
// does on a restart, then flush and wait until every record is processed.
func runDemoTransaction(ctx context.Context, replicatedLog *replicatedlog.Manager, writer *logwriter.Writer, processor *opprocessor.Processor, txnMap *txn.Map, checkpointMgr *checkpoint.Manager, txnID uint64, key string, value []byte) error {
	t := txn.New()
	txnMap.Insert(t)

	begin := record.NewBeginTransactionLogRecord(txnID, true, []byte(key), nil, value)
	beginBytes, err := replicatedLog.ReplicateAndLog(ctx, begin)
	if err != nil {
		return fmt.Errorf("replicating begin: %w", err)
	}
	checkpointMgr.NotifyBytesAppended(uint64(beginBytes))
	txnMap.MarkPending(txnID, begin)
	txnMap.SetLatestRecord(txnID, begin)
	t.SetEarliestLsn(begin.GetLsn())
	if err := t.OnBeginCommit(); err != nil {
		return fmt.Errorf("transitioning to committing: %w", err)
	}

	end := record.NewEndTransactionLogRecord(txnID, true, record.LinkTo(begin))
	endBytes, err := replicatedLog.ReplicateAndLog(ctx, end)
	if err != nil {
		return fmt.Errorf("replicating end: %w", err)
	}
	checkpointMgr.NotifyBytesAppended(uint64(endBytes))
	txnMap.SetLatestRecord(txnID, end)
	txnMap.CompleteTransaction(txnID, end.GetLsn())

	if err := writer.FlushAsync(ctx, "txlogd.runDemoTransaction"); err != nil {
		return fmt.Errorf("flushing transaction: %w", err)
	}
	return processor.WaitForAllRecordsProcessingAsync(ctx)
}

// alwaysIndexPolicy forces one IndexingLogRecord at the end of the demo
// workload so headTracker has something to offer the checkpoint manager;
// a real host supplies an IndexingPolicy driven by cfg.MinLogSizeBytes.
type alwaysIndexPolicy struct{}

func (alwaysIndexPolicy) ShouldIndex(bufferedBytes uint64) bool { return true }

// demonstrateBackupAndCopy takes a full backup of the current state and
// round-trips a copytail full-copy stream through an in-memory pipe back
// into the same provider, exercising internal/backup and internal/copytail
// end to end against a real (if tiny) replica.
func demonstrateBackupAndCopy(ctx context.Context, dataDir string, replicaID uint64, state *kvStateProvider, log locallog.LogicalLog, replicatedLog *replicatedlog.Manager, cfg config.Config, tracer tracing.Tracer) error {
	backupMgr := backup.NewManager(filepath.Join(dataDir, "backups"), uuid.New(), replicaID)
	meta, dir, err := backupMgr.TakeFull(ctx, replicatedLog.TailEpoch(), replicatedLog.InsertedTailLsn(), nil)
	if err != nil {
		return fmt.Errorf("taking full backup: %w", err)
	}
	slog.Info("full backup written", slog.String("dir", dir), slog.String("backup_id", meta.BackupId.String()))

	builder := copytail.NewBuilder(log, replicatedLog, cfg, replicaID)
	builder.SetTracer(tracer)

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		_, buildErr := builder.Build(ctx, pw, copytail.TargetState{HasLog: false}, state)
		pw.CloseWithError(buildErr)
		errCh <- buildErr
	}()

	receiver := copytail.NewReceiver(state)
	if _, err := receiver.Receive(ctx, pr); err != nil {
		return fmt.Errorf("receiving copy stream: %w", err)
	}
	return <-errCh
}
