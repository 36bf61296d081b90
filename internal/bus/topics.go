package bus

import "marketpipe/pkg/types"

// The compile-time topic registry. Topic names are the authoritative wire
// names; the payload type parameter makes publish/subscribe type-safe.

// Normalized market data.
var (
	TopicTicker              = NewTopic[types.TickerEvent]("market:ticker")
	TopicKline               = NewTopic[types.KlineEvent]("market:kline")
	TopicTrade               = NewTopic[types.TradeEvent]("market:trade")
	TopicOrderbookL2Snapshot = NewTopic[types.OrderbookL2Snapshot]("market:orderbook_l2_snapshot")
	TopicOrderbookL2Delta    = NewTopic[types.OrderbookL2Delta]("market:orderbook_l2_delta")
	TopicOpenInterest        = NewTopic[types.OpenInterestEvent]("market:oi")
	TopicFunding             = NewTopic[types.FundingRateEvent]("market:funding")
	TopicLiquidation         = NewTopic[types.LiquidationEvent]("market:liquidation")
	TopicBookTop             = NewTopic[types.BookTopSample]("market:book_top")
)

// Raw venue frames. These carry transport/decoding fields only and are
// never fused with normalized or aggregated events in storage.
var (
	TopicTradeRaw             = NewTopic[types.RawMessage]("market:trade_raw")
	TopicOrderbookSnapshotRaw = NewTopic[types.RawMessage]("market:orderbook_snapshot_raw")
	TopicOrderbookDeltaRaw    = NewTopic[types.RawMessage]("market:orderbook_delta_raw")
	TopicCandleRaw            = NewTopic[types.RawMessage]("market:candle_raw")
	TopicMarkPriceRaw         = NewTopic[types.RawMessage]("market:mark_price_raw")
	TopicIndexPriceRaw        = NewTopic[types.RawMessage]("market:index_price_raw")
	TopicFundingRaw           = NewTopic[types.RawMessage]("market:funding_raw")
	TopicOpenInterestRaw      = NewTopic[types.RawMessage]("market:open_interest_raw")
	TopicLiquidationRaw       = NewTopic[types.RawMessage]("market:liquidation_raw")
	TopicWSEventRaw           = NewTopic[types.RawWSEvent]("market:ws_event_raw")
)

// Aggregated outputs. Produced only internally; never replayed as inputs.
var (
	TopicOIAgg           = NewTopic[types.OIAggEvent]("market:oi_agg")
	TopicFundingAgg      = NewTopic[types.FundingAggEvent]("market:funding_agg")
	TopicLiquidationsAgg = NewTopic[types.LiquidationsAggEvent]("market:liquidations_agg")
	TopicVolumeAgg       = NewTopic[types.VolumeAggEvent]("market:volume_agg")
	TopicCVDSpot         = NewTopic[types.CVDAggEvent]("market:cvd_spot")
	TopicCVDFutures      = NewTopic[types.CVDAggEvent]("market:cvd_futures")
	TopicCVDSpotAgg      = NewTopic[types.CVDAggEvent]("market:cvd_spot_agg")
	TopicCVDFuturesAgg   = NewTopic[types.CVDAggEvent]("market:cvd_futures_agg")
	TopicCVDAgg          = NewTopic[types.CVDAggEvent]("market:cvd_agg")
	TopicPriceIndex      = NewTopic[types.CanonicalPriceEvent]("market:price_index")
	TopicPriceCanonical  = NewTopic[types.CanonicalPriceEvent]("market:price_canonical")
	TopicLiquidityAgg    = NewTopic[types.LiquidityAggEvent]("market:liquidity_agg")
)

// Analytics and context.
var (
	TopicFeatures      = NewTopic[types.FeaturesEvent]("analytics:features")
	TopicKlineFeatures = NewTopic[types.KlineFeaturesEvent]("analytics:kline_features")
	TopicContext       = NewTopic[types.ContextEvent]("analytics:context")
	TopicReady         = NewTopic[types.ReadyEvent]("analytics:ready")
	TopicFlow          = NewTopic[types.FlowEvent]("analytics:flow")
	TopicLiquidity     = NewTopic[types.LiquidityAggEvent]("analytics:liquidity")
	TopicMarketView    = NewTopic[types.MarketViewEvent]("analytics:market_view")
	TopicRegime        = NewTopic[types.ContextEvent]("analytics:regime")
	TopicRegimeExplain = NewTopic[types.RegimeExplain]("analytics:regime_explain")
)

// Lifecycle and control.
var (
	TopicConnect                 = NewTopic[types.ConnectRequest]("market:connect")
	TopicDisconnect              = NewTopic[types.DisconnectRequest]("market:disconnect")
	TopicSubscribe               = NewTopic[types.SubscribeRequest]("market:subscribe")
	TopicConnected               = NewTopic[types.ConnectedEvent]("market:connected")
	TopicDisconnected            = NewTopic[types.DisconnectedEvent]("market:disconnected")
	TopicMarketError             = NewTopic[types.ErrorEvent]("market:error")
	TopicResyncRequested         = NewTopic[types.ResyncRequest]("market:resync_requested")
	TopicKlineBootstrapRequested = NewTopic[types.KlineBootstrapRequest]("market:kline_bootstrap_requested")
	TopicKlineBootstrapCompleted = NewTopic[types.KlineBootstrapCompleted]("market:kline_bootstrap_completed")
	TopicControlCommand          = NewTopic[types.ControlCommand]("control:command")
	TopicControlState            = NewTopic[types.ControlState]("control:state")
)

// State snapshot/recovery.
var (
	TopicSnapshotRequested = NewTopic[types.SnapshotRequested]("state:snapshot_requested")
	TopicSnapshotWritten   = NewTopic[types.SnapshotWritten]("state:snapshot_written")
	TopicRecoveryRequested = NewTopic[types.RecoveryRequested]("state:recovery_requested")
	TopicRecoveryLoaded    = NewTopic[types.RecoveryLoaded]("state:recovery_loaded")
	TopicRecoveryFailed    = NewTopic[types.RecoveryFailed]("state:recovery_failed")
)

// Data quality.
var (
	TopicGapDetected       = NewTopic[types.GapEvent]("data:gapDetected")
	TopicOutOfOrder        = NewTopic[types.OutOfOrderEvent]("data:outOfOrder")
	TopicTimeOutOfOrder    = NewTopic[types.OutOfOrderEvent]("data:time_out_of_order")
	TopicSeqGapOrOutOfOrder = NewTopic[types.GapEvent]("data:sequence_gap_or_out_of_order")
	TopicLatencySpike      = NewTopic[types.LatencySpikeEvent]("data:latencySpike")
	TopicDuplicateDetected = NewTopic[types.DuplicateEvent]("data:duplicateDetected")
	TopicSourceDegraded    = NewTopic[types.SourceHealthEvent]("data:sourceDegraded")
	TopicSourceRecovered   = NewTopic[types.SourceHealthEvent]("data:sourceRecovered")
	TopicStale             = NewTopic[types.StaleEvent]("data:stale")
	TopicMismatch          = NewTopic[types.MismatchEvent]("data:mismatch")
	TopicConfidence        = NewTopic[types.ConfidenceEvent]("data:confidence")
	TopicMarketDataStatus  = NewTopic[types.MarketDataStatus]("system:market_data_status")
)

// Storage and replay.
var (
	TopicStorageWriteFailed = NewTopic[types.StorageWriteFailed]("storage:writeFailed")
	TopicReplayWarning      = NewTopic[types.ReplayWarning]("replay:warning")
	TopicReplayFinished     = NewTopic[types.ReplayFinished]("replay:finished")
	TopicReplayError        = NewTopic[types.ReplayError]("replay:error")
)
