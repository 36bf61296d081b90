package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/internal/quality"
	"marketpipe/pkg/types"
)

// Journal subscribes to the configured non-aggregated topics, assigns the
// per-run sequence, observes data quality on the same stream, and hands
// lines to the batched writer. Aggregated topics are journaled separately;
// mixing the two layouts is a hard invariant violation, enforced at config
// validation and again here.
type Journal struct {
	b       *bus.Bus
	cfg     config.JournalConfig
	runID   string
	now     types.Clock
	logger  *slog.Logger
	writer  *Writer
	tracker *quality.Tracker

	seq    types.Seq
	cancel context.CancelFunc
	subs   []bus.Subscription
}

// New creates a journal for a fresh run. The runId scopes sequence
// numbering and the directory layout.
func New(b *bus.Bus, cfg config.JournalConfig, now types.Clock, logger *slog.Logger) *Journal {
	j := &Journal{
		b:       b,
		cfg:     cfg,
		runID:   uuid.NewString(),
		now:     now,
		logger:  logger.With("component", "journal"),
		tracker: quality.NewTracker(cfg.LatencySpikeMs),
	}
	j.writer = NewWriter(
		cfg.QueueSize,
		cfg.BatchSize,
		cfg.FlushInterval,
		cfg.RetryBackoff,
		cfg.MaxRetries,
		j.onWriteError,
		logger,
	)
	return j
}

// RunID returns this run's journal scope.
func (j *Journal) RunID() string { return j.runID }

// Start attaches topic taps and launches the writer worker.
func (j *Journal) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.writer.wg.Add(1)
	go j.writer.Run(ctx)

	for _, topic := range j.cfg.Topics {
		j.attach(topic)
	}
	for _, topic := range j.cfg.AggregatedTopics {
		j.attachAggregated(topic)
	}
}

// Stop unsubscribes taps and flushes the writer.
func (j *Journal) Stop() {
	for _, s := range j.subs {
		s.Unsubscribe()
	}
	j.subs = nil
	if j.cancel != nil {
		j.cancel()
		j.writer.Wait()
	}
}

func (j *Journal) onWriteError(path string, err error, attempt, records int) {
	bus.Publish(j.b, bus.TopicStorageWriteFailed, types.StorageWriteFailed{
		Meta:    types.NewMeta("journal", j.now),
		Path:    path,
		Err:     err.Error(),
		Retry:   attempt,
		Records: records,
	})
}

// attach wires one journaled topic through a typed subscription. The
// compile-time switch keeps payload typing intact; an unknown topic is a
// configuration mistake, logged and skipped.
func (j *Journal) attach(topic string) {
	switch topic {
	case bus.TopicTicker.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicTicker, func(e types.TickerEvent) {
			j.record(topic, e.StreamID, e.Symbol, "", e.Meta, e)
		}))
	case bus.TopicKline.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicKline, func(e types.KlineEvent) {
			j.record(topic, e.StreamID, e.Symbol, e.TF, e.Meta, e)
		}))
	case bus.TopicTrade.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicTrade, func(e types.TradeEvent) {
			j.record(topic, e.StreamID, e.Symbol, "", e.Meta, e)
		}))
	case bus.TopicOrderbookL2Snapshot.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicOrderbookL2Snapshot, func(e types.OrderbookL2Snapshot) {
			j.record(topic, e.StreamID, e.Symbol, "", e.Meta, e)
		}))
	case bus.TopicOrderbookL2Delta.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicOrderbookL2Delta, func(e types.OrderbookL2Delta) {
			j.record(topic, e.StreamID, e.Symbol, "", e.Meta, e)
		}))
	case bus.TopicOpenInterest.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicOpenInterest, func(e types.OpenInterestEvent) {
			j.record(topic, e.StreamID, e.Symbol, "", e.Meta, e)
		}))
	case bus.TopicFunding.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicFunding, func(e types.FundingRateEvent) {
			j.record(topic, e.StreamID, e.Symbol, "", e.Meta, e)
		}))
	case bus.TopicLiquidation.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicLiquidation, func(e types.LiquidationEvent) {
			j.record(topic, e.StreamID, e.Symbol, "", e.Meta, e)
		}))
	case bus.TopicTradeRaw.Name(), bus.TopicOrderbookSnapshotRaw.Name(), bus.TopicOrderbookDeltaRaw.Name(),
		bus.TopicCandleRaw.Name(), bus.TopicMarkPriceRaw.Name(), bus.TopicIndexPriceRaw.Name(),
		bus.TopicFundingRaw.Name(), bus.TopicOpenInterestRaw.Name(), bus.TopicLiquidationRaw.Name():
		j.attachRaw(topic)
	default:
		j.logger.Warn("journal: unknown topic in config, skipping", "topic", topic)
	}
}

// attachRaw wires one raw topic. All raw topics share the RawMessage shape.
func (j *Journal) attachRaw(topic string) {
	t := bus.NewTopic[types.RawMessage](topic)
	j.subs = append(j.subs, bus.Subscribe(j.b, t, func(e types.RawMessage) {
		j.record(topic, e.Venue+":raw:"+string(e.MarketType), e.Symbol, "", e.Meta, e)
	}))
}

// attachAggregated wires one aggregated topic to the separate aggregated
// journal layout.
func (j *Journal) attachAggregated(topic string) {
	switch topic {
	case bus.TopicPriceCanonical.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicPriceCanonical, func(e types.CanonicalPriceEvent) {
			j.recordAggregated(topic, e.Symbol, e.Meta, e)
		}))
	case bus.TopicCVDAgg.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicCVDAgg, func(e types.CVDAggEvent) {
			j.recordAggregated(topic, e.Symbol, e.Meta, e)
		}))
	case bus.TopicOIAgg.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicOIAgg, func(e types.OIAggEvent) {
			j.recordAggregated(topic, e.Symbol, e.Meta, e)
		}))
	case bus.TopicFundingAgg.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicFundingAgg, func(e types.FundingAggEvent) {
			j.recordAggregated(topic, e.Symbol, e.Meta, e)
		}))
	case bus.TopicLiquidationsAgg.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicLiquidationsAgg, func(e types.LiquidationsAggEvent) {
			j.recordAggregated(topic, e.Symbol, e.Meta, e)
		}))
	case bus.TopicLiquidityAgg.Name():
		j.subs = append(j.subs, bus.Subscribe(j.b, bus.TopicLiquidityAgg, func(e types.LiquidityAggEvent) {
			j.recordAggregated(topic, e.Symbol, e.Meta, e)
		}))
	default:
		j.logger.Warn("journal: unknown aggregated topic in config, skipping", "topic", topic)
	}
}

// record assigns the next run sequence, runs the quality tap, and enqueues
// the line for its partition file.
func (j *Journal) record(topic, streamID, symbol, tf string, meta types.Meta, payload any) {
	j.seq++
	tsIngest := meta.TsIngest
	if tsIngest == 0 {
		tsIngest = types.NowMS(j.now())
	}

	j.observeQuality(topic, streamID, symbol, tf, meta, tsIngest)
	if j.seq%10_000 == 0 {
		// Bound tracker state for streams that stopped flowing.
		j.tracker.Evict(tsIngest - types.TimeMS(time.Hour.Milliseconds()))
	}

	rec := types.JournalRecord{
		Seq:      j.seq,
		StreamID: streamID,
		Topic:    topic,
		Symbol:   symbol,
		TsIngest: tsIngest,
		Payload:  payload,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		j.logger.Error("journal: marshal failed", "topic", topic, "error", err)
		return
	}

	segments := []string{j.cfg.BaseDir, streamID, symbol, topicDir(topic)}
	if tf != "" {
		segments = append(segments, tf)
	}
	segments = append(segments, j.runID, tsIngest.Time().Format("2006-01-02")+".jsonl")
	j.writer.Enqueue(filepath.Join(segments...), line)
}

func (j *Journal) recordAggregated(topic, symbol string, meta types.Meta, payload any) {
	j.seq++
	tsIngest := meta.TsIngest
	if tsIngest == 0 {
		tsIngest = types.NowMS(j.now())
	}
	rec := types.JournalRecord{
		Seq:      j.seq,
		StreamID: "aggregated",
		Topic:    topic,
		Symbol:   symbol,
		TsIngest: tsIngest,
		Payload:  payload,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		j.logger.Error("journal: marshal failed", "topic", topic, "error", err)
		return
	}
	path := filepath.Join(j.cfg.BaseDir, "aggregated", topicDir(topic), symbol, j.runID,
		tsIngest.Time().Format("2006-01-02")+".jsonl")
	j.writer.Enqueue(path, line)
}

// observeQuality feeds the tracker and publishes any findings as data:*
// events on the same dispatch.
func (j *Journal) observeQuality(topic, streamID, symbol, tf string, meta types.Meta, tsIngest types.TimeMS) {
	issues := j.tracker.Observe(topic, streamID, tf, meta.Sequence, meta.TsEvent, tsIngest, meta.TsExchange)
	for _, issue := range issues {
		switch issue.Kind {
		case quality.IssueGap:
			evt := types.GapEvent{
				Meta:        types.InheritMeta(meta, "journal", j.now),
				StreamID:    streamID,
				Topic:       topic,
				Symbol:      symbol,
				TF:          tf,
				ExpectedSeq: issue.ExpectedSeq,
				ObservedSeq: issue.ObservedSeq,
				Missed:      issue.Missed,
			}
			bus.Publish(j.b, bus.TopicGapDetected, evt)
			bus.Publish(j.b, bus.TopicSeqGapOrOutOfOrder, evt)
		case quality.IssueDuplicate:
			bus.Publish(j.b, bus.TopicDuplicateDetected, types.DuplicateEvent{
				Meta:     types.InheritMeta(meta, "journal", j.now),
				StreamID: streamID,
				Topic:    topic,
				Symbol:   symbol,
				Seq:      issue.ObservedSeq,
			})
		case quality.IssueOutOfOrder:
			evt := types.OutOfOrderEvent{
				Meta:     types.InheritMeta(meta, "journal", j.now),
				StreamID: streamID,
				Topic:    topic,
				Symbol:   symbol,
				TF:       tf,
				PrevTs:   issue.PrevTs,
				Ts:       issue.Ts,
			}
			bus.Publish(j.b, bus.TopicOutOfOrder, evt)
			if issue.PrevTs > 0 {
				bus.Publish(j.b, bus.TopicTimeOutOfOrder, evt)
			}
		case quality.IssueLatencySpike:
			bus.Publish(j.b, bus.TopicLatencySpike, types.LatencySpikeEvent{
				Meta:        types.InheritMeta(meta, "journal", j.now),
				StreamID:    streamID,
				Topic:       topic,
				Symbol:      symbol,
				LatencyMs:   issue.LatencyMs,
				ThresholdMs: issue.ThresholdMs,
			})
		}
	}
}
