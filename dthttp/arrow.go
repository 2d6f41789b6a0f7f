package dthttp

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/gordian-engine/dynthrottle/dtnode"
)

// ArrowContentType is the media type of an Arrow IPC stream.
const ArrowContentType = "application/vnd.apache.arrow.stream"

// Column order of SnapshotSchema.
const (
	colID = iota
	colIntakeQueueLen
	colRoundQueueLen
	colHealthPercent
	colQuorumHealthPercent
	colTokenRate
	colTokens
	colCurrentRound
	colIngestedTransactions
	colPIDRate
	colPIDKp
	colPIDKi
	colPIDKd
)

// SnapshotSchema returns the Arrow schema of a batch of node snapshots,
// one row per node.
func SnapshotSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "id", Type: arrow.PrimitiveTypes.Int64},
			{Name: "intake_queue_len", Type: arrow.PrimitiveTypes.Int64},
			{Name: "round_queue_len", Type: arrow.PrimitiveTypes.Int64},
			{Name: "health_percent", Type: arrow.PrimitiveTypes.Int64},
			{Name: "quorum_health_percent", Type: arrow.PrimitiveTypes.Int64},
			{Name: "token_rate", Type: arrow.PrimitiveTypes.Float64},
			{Name: "tokens", Type: arrow.PrimitiveTypes.Float64},
			{Name: "current_round", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "ingested_transactions", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "pid_rate", Type: arrow.PrimitiveTypes.Float64},
			{Name: "pid_kp", Type: arrow.PrimitiveTypes.Float64},
			{Name: "pid_ki", Type: arrow.PrimitiveTypes.Float64},
			{Name: "pid_kd", Type: arrow.PrimitiveTypes.Float64},
		},
		nil,
	)
}

// SnapshotRecord builds a record of snaps.
// The caller must release the returned record.
func SnapshotRecord(mem memory.Allocator, snaps []dtnode.Snapshot) arrow.Record {
	b := array.NewRecordBuilder(mem, SnapshotSchema())
	defer b.Release()

	i64 := func(col int) *array.Int64Builder { return b.Field(col).(*array.Int64Builder) }
	u64 := func(col int) *array.Uint64Builder { return b.Field(col).(*array.Uint64Builder) }
	f64 := func(col int) *array.Float64Builder { return b.Field(col).(*array.Float64Builder) }

	for _, s := range snaps {
		i64(colID).Append(int64(s.ID))
		i64(colIntakeQueueLen).Append(int64(s.IntakeQueueLen))
		i64(colRoundQueueLen).Append(int64(s.RoundQueueLen))
		i64(colHealthPercent).Append(int64(s.HealthPercent))
		i64(colQuorumHealthPercent).Append(int64(s.QuorumHealthPercent))
		f64(colTokenRate).Append(s.TokenRate)
		f64(colTokens).Append(s.Tokens)
		u64(colCurrentRound).Append(s.CurrentRound)
		u64(colIngestedTransactions).Append(s.IngestedTransactions)
		f64(colPIDRate).Append(s.PIDRate)
		f64(colPIDKp).Append(s.PIDKp)
		f64(colPIDKi).Append(s.PIDKi)
		f64(colPIDKd).Append(s.PIDKd)
	}

	return b.NewRecord()
}

// WriteSnapshots writes snaps to w as an Arrow IPC stream holding a single record.
func WriteSnapshots(w io.Writer, snaps []dtnode.Snapshot) error {
	rec := SnapshotRecord(memory.DefaultAllocator, snaps)
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// ReadSnapshots reads every snapshot from an Arrow IPC stream
// written by [WriteSnapshots].
func ReadSnapshots(r io.Reader) ([]dtnode.Snapshot, error) {
	reader, err := ipc.NewReader(r, ipc.WithSchema(SnapshotSchema()))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var out []dtnode.Snapshot
	for reader.Next() {
		rec := reader.Record()

		id := rec.Column(colID).(*array.Int64)
		intake := rec.Column(colIntakeQueueLen).(*array.Int64)
		rounds := rec.Column(colRoundQueueLen).(*array.Int64)
		health := rec.Column(colHealthPercent).(*array.Int64)
		quorum := rec.Column(colQuorumHealthPercent).(*array.Int64)
		rate := rec.Column(colTokenRate).(*array.Float64)
		tokens := rec.Column(colTokens).(*array.Float64)
		current := rec.Column(colCurrentRound).(*array.Uint64)
		ingested := rec.Column(colIngestedTransactions).(*array.Uint64)
		pidRate := rec.Column(colPIDRate).(*array.Float64)
		kp := rec.Column(colPIDKp).(*array.Float64)
		ki := rec.Column(colPIDKi).(*array.Float64)
		kd := rec.Column(colPIDKd).(*array.Float64)

		for i := range int(rec.NumRows()) {
			out = append(out, dtnode.Snapshot{
				ID: int(id.Value(i)),

				IntakeQueueLen: int(intake.Value(i)),
				RoundQueueLen:  int(rounds.Value(i)),

				HealthPercent:       int(health.Value(i)),
				QuorumHealthPercent: int(quorum.Value(i)),

				TokenRate: rate.Value(i),
				Tokens:    tokens.Value(i),

				CurrentRound:         current.Value(i),
				IngestedTransactions: ingested.Value(i),

				PIDRate: pidRate.Value(i),
				PIDKp:   kp.Value(i),
				PIDKi:   ki.Value(i),
				PIDKd:   kd.Value(i),
			})
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	return out, nil
}
