// Package copytail implements the copy/build and truncate-tail protocol of
// spec.md §4.10: deciding a copy mode by comparing a target's progress
// vector against the source's, streaming the bit-exact copy-stream wire
// format in batches, and undoing false progress on a replica being wound
// back to a common ancestor with its new primary.
//
// The streaming sender/receiver shape is grounded on
// _examples/LeeNgari-RDBMS/internal/network/server.go's connection-scoped
// read loop, generalized from a line-oriented SQL REPL protocol to a
// length-prefixed binary chunk stream, with the read-ahead/write pipeline
// split across two goroutines joined by golang.org/x/sync/errgroup so a
// slow network write never stalls the log scan feeding it. The
// truncate-tail undo walk has no teacher precedent; it implements
// spec.md §4.10's per-record-kind table directly.
package copytail

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/joydb/txlog/internal/config"
	"github.com/joydb/txlog/internal/locallog"
	"github.com/joydb/txlog/internal/logwriter"
	"github.com/joydb/txlog/internal/record"
	"github.com/joydb/txlog/internal/replicatedlog"
	"github.com/joydb/txlog/internal/replicatorapi"
	"github.com/joydb/txlog/internal/tracing"
	"github.com/joydb/txlog/internal/txn"
)

// CopyMode is the source's decision of what kind of build a target needs,
// per the table in spec.md §4.10.
type CopyMode uint8

const (
	ModeInvalid CopyMode = iota
	ModeFull
	ModePartialCopyLog
	ModeFalseProgress
)

func (m CopyMode) String() string {
	switch m {
	case ModeFull:
		return "Full"
	case ModePartialCopyLog:
		return "PartialCopyLog"
	case ModeFalseProgress:
		return "FalseProgress"
	default:
		return "Invalid"
	}
}

// CopyStage tags which half of the wire protocol a stream is carrying,
// encoded in the copy-metadata header so a target knows how to decode what
// follows.
type CopyStage uint32

const (
	StageInvalid CopyStage = iota
	StageFullCopyState
	StageLogRecords
)

// CopyMetadata is the fixed header every copy stream opens with
// (spec.md §4.10 item 1, §6.3): little-endian 32-bit fields followed by a
// 64-bit source replica id.
type CopyMetadata struct {
	MetadataVersion uint32
	CopyStage       CopyStage
	SourceReplicaId uint64
}

const copyMetadataVersion1 = 1

// EncodeCopyMetadata serializes m to its bit-exact 16-byte wire form.
func EncodeCopyMetadata(m CopyMetadata) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], m.MetadataVersion)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.CopyStage))
	binary.LittleEndian.PutUint64(buf[8:16], m.SourceReplicaId)
	return buf
}

// DecodeCopyMetadata is the inverse of EncodeCopyMetadata.
func DecodeCopyMetadata(b []byte) (CopyMetadata, error) {
	if len(b) != 16 {
		return CopyMetadata{}, fmt.Errorf("copytail: metadata header must be 16 bytes, got %d", len(b))
	}
	return CopyMetadata{
		MetadataVersion: binary.LittleEndian.Uint32(b[0:4]),
		CopyStage:       CopyStage(binary.LittleEndian.Uint32(b[4:8])),
		SourceReplicaId: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// epochAt returns the epoch in effect at lsn according to pv, the sentinel
// InvalidEpoch if lsn precedes every entry.
func epochAt(pv []record.ProgressVectorEntry, lsn record.LogicalSequenceNumber) record.Epoch {
	epoch := record.InvalidEpoch
	for _, e := range pv {
		if e.StartingLsn <= lsn {
			epoch = e.Epoch
		}
	}
	return epoch
}

// DecideCopyMode implements the table in spec.md §4.10.
func DecideCopyMode(targetHasLog bool, targetTailLsn record.LogicalSequenceNumber, targetTailEpoch record.Epoch, sourceLogHeadLsn record.LogicalSequenceNumber, sourceProgressVector []record.ProgressVectorEntry) CopyMode {
	if !targetHasLog {
		return ModeFull
	}
	if targetTailLsn >= sourceLogHeadLsn && epochAt(sourceProgressVector, targetTailLsn).Equal(targetTailEpoch) {
		return ModePartialCopyLog
	}
	return ModeFalseProgress
}

// TargetState is what Build needs to know about the target to decide a
// copy mode; negotiating it over the wire is out of scope here.
type TargetState struct {
	HasLog    bool
	TailLsn   record.LogicalSequenceNumber
	TailEpoch record.Epoch
}

// SourceLog is the subset of *replicatedlog.Manager a Builder consults.
// Kept as an interface so tests can fake a source without a full
// replication stack.
type SourceLog interface {
	ProgressVector() []record.ProgressVectorEntry
	TailEpoch() record.Epoch
	LogHeadRecord() *record.IndexingLogRecord
}

// StateStreamer supplies the opaque state-provider byte stream for a
// FullCopy build, chunk by chunk; a nil chunk with a nil error signals the
// end of the stream (spec.md §4.10 item 2's "terminated by a null").
type StateStreamer interface {
	NextStateChunk(ctx context.Context) ([]byte, error)
}

// Builder sends the copy stream for one build request.
type Builder struct {
	log           locallog.LogicalLog
	replicatedLog SourceLog
	cfg           config.Config
	replicaID     uint64
	tracer        tracing.Tracer
}

// NewBuilder builds a Builder over the source's log and replicated-log
// state, batching records per cfg.CopyBatchSizeInKb.
func NewBuilder(log locallog.LogicalLog, replicatedLog SourceLog, cfg config.Config, replicaID uint64) *Builder {
	return &Builder{log: log, replicatedLog: replicatedLog, cfg: cfg, replicaID: replicaID}
}

// SetTracer enables spans around Build; the zero Tracer (the default) is
// inert, so this is opt-in.
func (b *Builder) SetTracer(t tracing.Tracer) { b.tracer = t }

// Build decides a copy mode for target and writes the full wire stream to
// w, returning the mode it chose.
func (b *Builder) Build(ctx context.Context, w io.Writer, target TargetState, state StateStreamer) (mode CopyMode, err error) {
	ctx, span := b.tracer.Start(ctx, "copytail.Build")
	defer func() { span.End(err) }()

	pv := b.replicatedLog.ProgressVector()
	headLsn := record.InvalidLsn
	if head := b.replicatedLog.LogHeadRecord(); head != nil {
		headLsn = head.GetLsn()
	}

	mode = DecideCopyMode(target.HasLog, target.TailLsn, target.TailEpoch, headLsn, pv)

	stage := StageLogRecords
	if mode == ModeFull {
		stage = StageFullCopyState
	}
	meta := CopyMetadata{MetadataVersion: copyMetadataVersion1, CopyStage: stage, SourceReplicaId: b.replicaID}
	if err := writeChunk(w, EncodeCopyMetadata(meta)); err != nil {
		return mode, fmt.Errorf("copytail: writing copy metadata: %w", err)
	}

	if mode == ModeFull {
		return mode, b.buildFull(ctx, w, state)
	}
	return mode, b.buildPartial(ctx, w, target, headLsn)
}

func (b *Builder) buildFull(ctx context.Context, w io.Writer, state StateStreamer) error {
	epochRec := record.NewUpdateEpochLogRecord(b.replicatedLog.TailEpoch(), b.replicaID)
	if err := writeRecordChunk(w, epochRec); err != nil {
		return err
	}
	if err := writeRecordChunk(w, record.NewBarrierLogRecord()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		chunk, err := state.NextStateChunk(ctx)
		if err != nil {
			return err
		}
		if chunk == nil {
			return writeNull(w)
		}
		if err := writeChunk(w, chunk); err != nil {
			return err
		}
	}
}

// buildPartial streams records from max(target_tail_lsn+1, source head
// Lsn) to the tail, in CopyBatchSizeInKb batches. Scanning the log and
// writing to w run concurrently: the scan goroutine never blocks on the
// network while a batch is in flight.
func (b *Builder) buildPartial(ctx context.Context, w io.Writer, target TargetState, headLsn record.LogicalSequenceNumber) error {
	startLsn := target.TailLsn + 1
	if headLsn != record.InvalidLsn && startLsn < headLsn {
		// The requested start point is below what the source still has on
		// disk; silently raise it to the oldest retained record.
		startLsn = headLsn
	}

	startPos := int64(0)
	if head := b.replicatedLog.LogHeadRecord(); head != nil {
		startPos = head.GetRecordPosition()
	}

	batches := make(chan []byte, 4)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		return b.readBatches(gctx, startPos, startLsn, batches)
	})
	g.Go(func() error {
		for batch := range batches {
			if err := writeChunk(w, batch); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return writeNull(w)
}

func (b *Builder) readBatches(ctx context.Context, startPos int64, startLsn record.LogicalSequenceNumber, out chan<- []byte) error {
	threshold := b.cfg.CopyBatchSizeBytes()
	var buf bytes.Buffer

	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		chunk := append([]byte(nil), buf.Bytes()...)
		buf.Reset()
		select {
		case out <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	pos := startPos
	tail := b.log.Length()
	for pos < tail {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, next, err := readForwardFrame(ctx, b.log, pos)
		if err != nil {
			return err
		}
		pos = next

		if rec.GetLsn() != record.InvalidLsn && rec.GetLsn() < startLsn {
			continue
		}

		wire, err := record.Write(rec, false)
		if err != nil {
			return err
		}
		buf.Write(wire)

		if threshold == 0 || uint64(buf.Len()) >= threshold {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// TargetSink receives a decoded copy stream on the building side.
type TargetSink interface {
	ApplyUpdateEpoch(ctx context.Context, rec *record.UpdateEpochLogRecord) error
	ApplyBarrier(ctx context.Context, rec *record.BarrierLogRecord) error
	ApplyLogRecord(ctx context.Context, rec record.LogRecord) error
	ApplyStateChunk(ctx context.Context, chunk []byte) error
}

// Receiver decodes a copy stream written by Builder.Build and drives sink.
type Receiver struct {
	sink TargetSink
}

// NewReceiver builds a Receiver delivering decoded stream content to sink.
func NewReceiver(sink TargetSink) *Receiver {
	return &Receiver{sink: sink}
}

// Receive reads one full copy stream from rd and returns its metadata
// header once the stream's terminating null has been consumed.
func (r *Receiver) Receive(ctx context.Context, rd io.Reader) (CopyMetadata, error) {
	metaBytes, err := readChunk(rd)
	if err != nil {
		return CopyMetadata{}, fmt.Errorf("copytail: reading copy metadata: %w", err)
	}
	meta, err := DecodeCopyMetadata(metaBytes)
	if err != nil {
		return CopyMetadata{}, err
	}

	switch meta.CopyStage {
	case StageFullCopyState:
		return meta, r.receiveFull(ctx, rd)
	case StageLogRecords:
		return meta, r.receiveLogRecords(ctx, rd)
	default:
		return meta, fmt.Errorf("copytail: unrecognized copy stage %d", meta.CopyStage)
	}
}

func (r *Receiver) receiveFull(ctx context.Context, rd io.Reader) error {
	epochBytes, err := readChunk(rd)
	if err != nil {
		return err
	}
	epochRec, err := record.Read(epochBytes, false)
	if err != nil {
		return err
	}
	ue, ok := epochRec.(*record.UpdateEpochLogRecord)
	if !ok {
		return fmt.Errorf("copytail: expected UpdateEpoch, got %s", epochRec.GetRecordType())
	}
	if err := r.sink.ApplyUpdateEpoch(ctx, ue); err != nil {
		return err
	}

	barrierBytes, err := readChunk(rd)
	if err != nil {
		return err
	}
	barrierRec, err := record.Read(barrierBytes, false)
	if err != nil {
		return err
	}
	barrier, ok := barrierRec.(*record.BarrierLogRecord)
	if !ok {
		return fmt.Errorf("copytail: expected Barrier, got %s", barrierRec.GetRecordType())
	}
	if err := r.sink.ApplyBarrier(ctx, barrier); err != nil {
		return err
	}

	for {
		chunk, err := readChunk(rd)
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		if err := r.sink.ApplyStateChunk(ctx, chunk); err != nil {
			return err
		}
	}
}

func (r *Receiver) receiveLogRecords(ctx context.Context, rd io.Reader) error {
	for {
		chunk, err := readChunk(rd)
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		recs, err := decodeRecords(chunk)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := r.sink.ApplyLogRecord(ctx, rec); err != nil {
				return err
			}
		}
	}
}

func decodeRecords(buf []byte) ([]record.LogRecord, error) {
	var out []record.LogRecord
	for len(buf) > 0 {
		if len(buf) < 8 {
			return nil, fmt.Errorf("copytail: truncated record frame in batch")
		}
		length := binary.LittleEndian.Uint32(buf[0:4])
		total := int(8 + length)
		if len(buf) < total {
			return nil, fmt.Errorf("copytail: short record frame in batch")
		}
		rec, err := record.Read(buf[:total], false)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		buf = buf[total:]
	}
	return out, nil
}

// writeChunk frames data as [4-byte little-endian length][data]; a
// zero-length chunk is the stream's null terminator.
func writeChunk(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func writeNull(w io.Writer) error {
	return writeChunk(w, nil)
}

func writeRecordChunk(w io.Writer, rec record.LogRecord) error {
	wire, err := record.Write(rec, false)
	if err != nil {
		return err
	}
	return writeChunk(w, wire)
}

// readChunk reads one writeChunk frame; a zero-length frame decodes to a
// nil slice with a nil error, signalling the null terminator.
func readChunk(rd io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rd, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readForwardFrame decodes the physical record whose frame starts at pos,
// returning the position the next frame starts at.
func readForwardFrame(ctx context.Context, log locallog.LogicalLog, pos int64) (record.LogRecord, int64, error) {
	lenBytes, err := log.ReadAt(ctx, pos, 4)
	if err != nil {
		return nil, 0, err
	}
	length := binary.LittleEndian.Uint32(lenBytes)
	frame, err := log.ReadAt(ctx, pos, int(8+length))
	if err != nil {
		return nil, 0, err
	}
	rec, err := record.Read(frame, true)
	if err != nil {
		return nil, 0, err
	}
	return rec, pos + int64(8+length), nil
}

// readBackwardFrame decodes the physical record whose frame ends at
// endPos, returning the position its frame starts at.
func readBackwardFrame(ctx context.Context, log locallog.LogicalLog, endPos int64) (record.LogRecord, int64, error) {
	if endPos < 8 {
		return nil, 0, fmt.Errorf("copytail: position %d too small to hold a record frame", endPos)
	}
	suffixBytes, err := log.ReadAt(ctx, endPos-4, 4)
	if err != nil {
		return nil, 0, err
	}
	length := binary.LittleEndian.Uint32(suffixBytes)
	frameStart := endPos - int64(8+length)
	if frameStart < 0 {
		return nil, 0, fmt.Errorf("copytail: corrupt frame length %d trailing position %d", length, endPos)
	}
	frame, err := log.ReadAt(ctx, frameStart, int(8+length))
	if err != nil {
		return nil, 0, err
	}
	rec, err := record.Read(frame, true)
	if err != nil {
		return nil, 0, err
	}
	return rec, frameStart, nil
}

// TransactionMap is the subset of *txn.Map the undo walk needs.
type TransactionMap interface {
	Get(id uint64) (*txn.Transaction, bool)
	MarkPending(id uint64, begin *record.BeginTransactionLogRecord)
	Forget(id uint64)
}

// CheckpointAborter is the subset of *checkpoint.Manager the undo walk
// needs: cancelling a checkpoint that was prepared above the new tail.
type CheckpointAborter interface {
	AbortPendingCheckpoint() error
}

// UndoContext bundles the collaborators TruncateTail's undo walk drives.
type UndoContext struct {
	Provider      replicatorapi.StateProvider
	TxnMap        TransactionMap
	CheckpointMgr CheckpointAborter
}

// undo reverses one record per the table in spec.md §4.10. BackupLogRecord,
// UpdateEpochLogRecord, CompleteCheckpointLogRecord, TruncateHeadLogRecord
// and IndexingLogRecord need no per-record action here: their effect on
// progress vector, log head and tail bookkeeping is rewound once, in bulk,
// by TruncateTail's caller reseeding the replicated log manager. A
// TruncateHeadLogRecord's own undo is deliberately a no-op: the head it
// named must stay reachable for whatever records above the new tail still
// reference it.
func (c *UndoContext) undo(ctx context.Context, rec record.LogRecord) error {
	switch v := rec.(type) {
	case *record.BeginTransactionLogRecord:
		if err := c.Provider.Apply(ctx, v, replicatorapi.PhaseFalseProgress); err != nil {
			return err
		}
		c.TxnMap.Forget(v.TransactionId)
	case *record.OperationLogRecord:
		return c.Provider.Apply(ctx, v, replicatorapi.PhaseFalseProgress)
	case *record.EndTransactionLogRecord:
		if err := c.Provider.Apply(ctx, v, replicatorapi.PhaseFalseProgress); err != nil {
			return err
		}
		c.revive(v)
	case *record.BeginCheckpointLogRecord:
		return c.CheckpointMgr.AbortPendingCheckpoint()
	}
	return nil
}

// revive puts an undone EndTransaction's transaction back into Active/
// pending state; if its BeginTransaction also lies above the new tail, a
// later step in the same backward walk forgets it entirely.
func (c *UndoContext) revive(end *record.EndTransactionLogRecord) {
	earliest := record.InvalidLsn
	if t, ok := c.TxnMap.Get(end.TransactionId); ok {
		earliest = t.EarliestLsn()
		t.RestoreTerminalState(txn.Active, record.InvalidLsn)
	}
	stub := record.NewBeginTransactionLogRecord(end.TransactionId, false, nil, nil, nil)
	stub.SetLsn(earliest)
	c.TxnMap.MarkPending(end.TransactionId, stub)
}

func trimProgressVector(pv []record.ProgressVectorEntry, targetTailLsn record.LogicalSequenceNumber) []record.ProgressVectorEntry {
	out := make([]record.ProgressVectorEntry, 0, len(pv))
	for _, e := range pv {
		if e.StartingLsn <= targetTailLsn {
			out = append(out, e)
		}
	}
	return out
}

// TruncateTail implements the false-progress undo protocol of
// spec.md §4.10: every record strictly above targetTailLsn is undone in
// tail-to-head order, a TruncateTailLogRecord marks the new tail, and the
// logical log is rewritten to end there via the copy-log rename path.
func TruncateTail(ctx context.Context, log locallog.LogicalLog, writer *logwriter.Writer, replicatedLog *replicatedlog.Manager, undo *UndoContext, lastStableLsn, targetTailLsn record.LogicalSequenceNumber) error {
	if targetTailLsn < lastStableLsn {
		return fmt.Errorf("copytail: target tail %d would cross last stable lsn %d", targetTailLsn, lastStableLsn)
	}

	var boundary record.LogRecord
	pos := log.Length()
	for pos > 0 {
		rec, framePos, err := readBackwardFrame(ctx, log, pos)
		if err != nil {
			return err
		}
		if rec.GetLsn() != record.InvalidLsn && rec.GetLsn() <= targetTailLsn {
			boundary = rec
			break
		}
		if err := undo.undo(ctx, rec); err != nil {
			return fmt.Errorf("copytail: undo failed for %s at lsn %d: %w", rec.GetRecordType(), rec.GetLsn(), err)
		}
		pos = framePos
	}
	newTailPos := pos

	prefix, err := log.ReadAt(ctx, 0, int(newTailPos))
	if err != nil {
		return err
	}

	markerPsn := record.PhysicalSequenceNumber(0)
	prevLink := record.InvalidPhysicalLink
	if boundary != nil {
		markerPsn = boundary.GetPsn() + 1
		prevLink = record.PhysicalLink{Psn: boundary.GetPsn()}
	}

	marker := record.NewTruncateTailLogRecord(targetTailLsn)
	marker.SetLsn(targetTailLsn)
	marker.SetPsn(markerPsn)
	marker.SetRecordPosition(newTailPos)
	marker.SetPreviousPhysicalRecord(prevLink)

	wire, err := record.Write(marker, true)
	if err != nil {
		return err
	}

	newLog := make([]byte, 0, len(prefix)+len(wire))
	newLog = append(newLog, prefix...)
	newLog = append(newLog, wire...)

	if _, err := log.AppendToCopyLog(ctx, newLog); err != nil {
		return err
	}
	if err := log.RenameCopyLogAtomically(ctx); err != nil {
		return err
	}

	pv := trimProgressVector(replicatedLog.ProgressVector(), targetTailLsn)
	rewoundEpoch := epochAt(pv, targetTailLsn)

	var beginCkpt *record.BeginCheckpointLogRecord
	if b := replicatedLog.LastCompletedBeginCheckpoint(); b != nil && b.GetLsn() <= targetTailLsn {
		beginCkpt = b
	}
	var endCkpt *record.EndCheckpointLogRecord
	if e := replicatedLog.LastCompletedEndCheckpoint(); e != nil && e.GetLsn() <= targetTailLsn {
		endCkpt = e
	}

	writer.SeedPsn(markerPsn+1, marker, int64(len(newLog)))
	replicatedLog.SeedFromRecovery(marker, rewoundEpoch, pv, replicatedLog.LogHeadRecord(), beginCkpt, endCkpt, targetTailLsn)
	return nil
}
