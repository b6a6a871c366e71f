package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
)

// Default executor values
const (
	DefaultChunkDays       = 7
	DefaultInterChunkDelay = 5 * time.Second
)

// RangeSyncer fetches and stores one platform's data for a date range and
// returns the rows written
type RangeSyncer interface {
	SyncRange(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) (int64, error)
}

// ConnectionGetter finds the connection for a tenant/platform
type ConnectionGetter interface {
	GetByPlatform(ctx context.Context, tenantID string, platform types.Platform) (*models.PlatformConnection, error)
}

// ChunkRecorder keeps the audit trail of chunk outcomes
type ChunkRecorder interface {
	RecordChunk(ctx context.Context, o *models.BackfillChunkOutcome) error
}

// ExecutorConfig holds configuration for the executor
type ExecutorConfig struct {
	Connections ConnectionGetter
	Syncer      RangeSyncer
	Chunks      ChunkRecorder
	// ChunkDays is the largest range synced in one step. Default: 7.
	ChunkDays int
	// InterChunkDelay separates chunks. Default: 5s.
	InterChunkDelay time.Duration
	Now             func() time.Time
	// Sleep is injectable for tests
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs a backfill plan chunk by chunk
type Executor struct {
	conns     ConnectionGetter
	syncer    RangeSyncer
	chunks    ChunkRecorder
	chunkDays int
	delay     time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Result summarizes an executed plan
type Result struct {
	Chunks       []*models.BackfillChunkOutcome `json:"chunks"`
	RecordsAdded int64                          `json:"recordsAdded"`
	// Remaining holds the ranges that are still missing
	Remaining []models.DataGap `json:"remaining"`
}

// Failed counts unsuccessful chunks
func (r *Result) Failed() int {
	n := 0
	for _, c := range r.Chunks {
		if !c.Success {
			n++
		}
	}
	return n
}

// NewExecutor creates an executor
func NewExecutor(cfg *ExecutorConfig) (*Executor, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Connections == nil || cfg.Syncer == nil || cfg.Chunks == nil {
		return nil, errors.New("connections, syncer and chunk recorder are required")
	}
	if cfg.ChunkDays < 0 || cfg.InterChunkDelay < 0 {
		return nil, errors.New("chunk settings cannot be negative")
	}
	e := &Executor{
		conns:     cfg.Connections,
		syncer:    cfg.Syncer,
		chunks:    cfg.Chunks,
		chunkDays: cfg.ChunkDays,
		delay:     cfg.InterChunkDelay,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}
	if e.chunkDays == 0 {
		e.chunkDays = DefaultChunkDays
	}
	if e.delay == 0 {
		e.delay = DefaultInterChunkDelay
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	return e, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SplitChunks cuts a gap into consecutive ranges of at most chunkDays
func SplitChunks(gap models.DataGap, chunkDays int) []types.DateRange {
	if chunkDays <= 0 {
		chunkDays = DefaultChunkDays
	}
	var out []types.DateRange
	for start := types.Day(gap.Start); !start.After(gap.End); start = start.AddDate(0, 0, chunkDays) {
		end := start.AddDate(0, 0, chunkDays-1)
		if end.After(gap.End) {
			end = types.Day(gap.End)
		}
		out = append(out, types.NewDateRange(start, end))
	}
	return out
}

type chunk struct {
	platform types.Platform
	dr       types.DateRange
}

// Execute runs every chunk of the plan sequentially. A failed chunk is
// recorded and reported as remaining; the rest still run. When no chunk
// succeeds the last error is returned so the caller can retry or defer.
func (e *Executor) Execute(ctx context.Context, tenantID string, plan Plan) (*Result, error) {
	result := &Result{}
	if !plan.ShouldBackfill || len(plan.Gaps) == 0 {
		return result, nil
	}

	var work []chunk
	for _, g := range plan.Gaps {
		for _, dr := range SplitChunks(g, e.chunkDays) {
			work = append(work, chunk{platform: g.Platform, dr: dr})
		}
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tenantId": tenantID,
		"chunks":   len(work),
		"days":     plan.TotalMissingDays,
	})
	log.Info("Starting backfill")

	conns := make(map[types.Platform]*models.PlatformConnection)
	var lastErr error
	for i, c := range work {
		if i > 0 {
			if err := e.sleep(ctx, e.delay); err != nil {
				for _, rest := range work[i:] {
					result.Remaining = append(result.Remaining, gapOf(rest))
				}
				return result, err
			}
		}

		outcome := &models.BackfillChunkOutcome{
			TenantID:  tenantID,
			Platform:  c.platform,
			Start:     c.dr.Start,
			End:       c.dr.End,
			StartedAt: e.now().UTC(),
		}
		rows, err := e.runChunk(ctx, tenantID, c, conns)
		outcome.FinishedAt = e.now().UTC()
		outcome.RecordsAdded = rows
		outcome.Success = err == nil
		if err != nil {
			msg := err.Error()
			outcome.Error = &msg
			lastErr = err
			result.Remaining = append(result.Remaining, gapOf(c))
			metrics.BackfillChunksTotal.WithLabelValues(string(c.platform), "failed").Inc()
			log.WithError(err).WithField("range", c.dr.String()).Warn("Backfill chunk failed")
		} else {
			result.RecordsAdded += rows
			metrics.BackfillChunksTotal.WithLabelValues(string(c.platform), "success").Inc()
		}
		result.Chunks = append(result.Chunks, outcome)

		if rerr := e.chunks.RecordChunk(ctx, outcome); rerr != nil {
			log.WithError(rerr).Warn("Failed to record backfill chunk")
		}
	}

	log.WithFields(map[string]interface{}{
		"recordsAdded": result.RecordsAdded,
		"failed":       result.Failed(),
	}).Info("Backfill finished")

	if result.Failed() == len(result.Chunks) {
		return result, lastErr
	}
	return result, nil
}

func (e *Executor) runChunk(ctx context.Context, tenantID string, c chunk, conns map[types.Platform]*models.PlatformConnection) (int64, error) {
	conn, ok := conns[c.platform]
	if !ok {
		var err error
		conn, err = e.conns.GetByPlatform(ctx, tenantID, c.platform)
		if err != nil {
			return 0, fmt.Errorf("failed to load %s connection: %w", c.platform, err)
		}
		conns[c.platform] = conn
	}
	if !conn.IsActive() {
		return 0, apperrors.NewPermanentError("CONNECTION_INACTIVE", fmt.Sprintf("%s connection is %s", c.platform, conn.Status), nil)
	}
	return e.syncer.SyncRange(ctx, conn, c.dr)
}

func gapOf(c chunk) models.DataGap {
	return models.DataGap{Platform: c.platform, Start: c.dr.Start, End: c.dr.End, Days: c.dr.Days()}
}
