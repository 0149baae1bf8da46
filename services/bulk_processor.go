package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bulk-order-service/models"
	"bulk-order-service/providers"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProcessorConfig bounds how rows are executed.
type ProcessorConfig struct {
	BatchSize           int
	MaxConcurrent       int
	CallTimeout         time.Duration
	AlternativesTimeout time.Duration
	MaxAlternatives     int
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:           25,
		MaxConcurrent:       5,
		CallTimeout:         10 * time.Second,
		AlternativesTimeout: 3 * time.Second,
		MaxAlternatives:     3,
	}
}

// ProgressFunc receives each row's outcome exactly once. It is called from worker goroutines.
type ProgressFunc func(ctx context.Context, event models.ProgressEvent)

// BulkProcessor executes validated rows against the commerce capabilities.
type BulkProcessor struct {
	cfg    ProcessorConfig
	logger *zap.Logger
}

func NewBulkProcessor(cfg ProcessorConfig, logger *zap.Logger) *BulkProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &BulkProcessor{cfg: cfg, logger: logger}
}

// Process runs every row and returns the aggregate. A row's failure never stops its siblings.
func (p *BulkProcessor) Process(ctx context.Context, userID string, rows []models.ParsedRow, caps providers.Commerce, onProgress ProgressFunc) models.BulkResult {
	var mu sync.Mutex
	outcomes := make(map[int]models.ProgressEvent, len(rows))

	record := func(ev models.ProgressEvent) {
		mu.Lock()
		if _, dup := outcomes[ev.Row]; dup {
			mu.Unlock()
			p.logger.Warn("duplicate row outcome ignored", zap.Int("row", ev.Row))
			return
		}
		outcomes[ev.Row] = ev
		mu.Unlock()
		if onProgress != nil {
			onProgress(ctx, ev)
		}
	}

	for start := 0; start < len(rows); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}

		var g errgroup.Group
		g.SetLimit(p.cfg.MaxConcurrent)
		for _, row := range rows[start:end] {
			row := row
			g.Go(func() error {
				record(p.processRow(ctx, userID, row, caps))
				return nil
			})
		}
		_ = g.Wait()
	}

	return summarize(outcomes)
}

func (p *BulkProcessor) processRow(ctx context.Context, userID string, row models.ParsedRow, caps providers.Commerce) (ev models.ProgressEvent) {
	ev = models.ProgressEvent{Row: row.Index, SKU: row.SKU, Quantity: row.Quantity}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing row", zap.Int("row", row.Index), zap.Any("panic", r))
			ev.Status = models.OutcomeFailed
			ev.Reference = ""
			ev.Error = "internal error while processing row"
		}
	}()

	if err := ctx.Err(); err != nil {
		ev.Status = models.OutcomeFailed
		ev.Error = "processing cancelled"
		return ev
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	avail, err := caps.CheckAvailability(callCtx, row.SKU)
	cancel()
	if err != nil {
		ev.Status = models.OutcomeFailed
		ev.Error = fmt.Sprintf("availability check failed: %v", err)
		return ev
	}

	if !avail.Available || avail.Quantity < row.Quantity {
		ev.Status = models.OutcomeUnavailable
		if avail.Available {
			ev.Error = fmt.Sprintf("only %d available", avail.Quantity)
		} else {
			ev.Error = "out of stock"
		}
		ev.Alternatives = p.alternatives(ctx, row, caps)
		return ev
	}

	callCtx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
	ref, err := caps.AddToCart(callCtx, userID, []models.CartLine{{SKU: row.SKU, ProductID: avail.ProductID, Quantity: row.Quantity}})
	cancel()
	if err != nil {
		ev.Status = models.OutcomeFailed
		ev.Error = fmt.Sprintf("add to cart failed: %v", err)
		return ev
	}

	ev.Status = models.OutcomeAdded
	ev.Reference = ref
	return ev
}

// alternatives is best-effort: errors are logged and yield an empty list.
func (p *BulkProcessor) alternatives(ctx context.Context, row models.ParsedRow, caps providers.Commerce) []models.AlternativeProduct {
	altCtx, cancel := context.WithTimeout(ctx, p.cfg.AlternativesTimeout)
	defer cancel()
	alts, err := caps.FindAlternatives(altCtx, row.SKU, row.Quantity)
	if err != nil {
		p.logger.Warn("alternatives lookup failed", zap.String("sku", row.SKU), zap.Error(err))
		return []models.AlternativeProduct{}
	}
	if alts == nil {
		alts = []models.AlternativeProduct{}
	}
	if p.cfg.MaxAlternatives > 0 && len(alts) > p.cfg.MaxAlternatives {
		alts = alts[:p.cfg.MaxAlternatives]
	}
	return alts
}

func summarize(outcomes map[int]models.ProgressEvent) models.BulkResult {
	res := models.BulkResult{Processed: len(outcomes), Errors: []models.ItemError{}}
	rows := make([]int, 0, len(outcomes))
	for idx := range outcomes {
		rows = append(rows, idx)
	}
	sort.Ints(rows)

	for _, idx := range rows {
		ev := outcomes[idx]
		switch ev.Status {
		case models.OutcomeAdded:
			res.Succeeded++
			continue
		case models.OutcomeUnavailable:
			res.Unavailable++
		default:
			res.Failed++
		}
		res.Errors = append(res.Errors, models.ItemError{Row: ev.Row, SKU: ev.SKU, Error: ev.Error})
	}
	res.Success = res.Processed > 0 && res.Succeeded == res.Processed
	return res
}
