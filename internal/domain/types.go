// Package domain holds the shared data model: the opaque id types, the
// mindmap snapshot, the Position record and its invariants, and the
// admission-pipeline result types. Nothing in this package talks to the
// network or to storage; it is pure data plus the small amount of pure
// logic (PnL math, signal math) that every other package needs the same
// way.
package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenId, ActorId and PositionId are opaque strings. The engine never
// interprets their contents beyond the cheap sanity check in ValidToken.
type TokenId = string
type ActorId = string
type PositionId = string

// NativeQuoteSentinel is the configured stand-in for the chain's wrapped
// native asset. The engine never opens a position in this token.
const NativeQuoteSentinel = "__NATIVE_QUOTE__"

// base58Set is an O(1) lookup table for the Base58 alphabet, used only as
// a sanity filter on inbound TokenId strings (not a resolution step:
// TokenId is opaque and arrives fully formed on every event).
var base58Set = func() [256]bool {
	var set [256]bool
	const chars = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	for i := 0; i < len(chars); i++ {
		set[chars[i]] = true
	}
	return set
}()

// ValidToken reports whether s looks like a plausible token identifier.
// It is a lenient guard, not a validator: callers log and continue on
// failure rather than rejecting the event outright, since malformed but
// otherwise harmless ids should not stall ingestion.
func ValidToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !base58Set[s[i]] {
			return false
		}
	}
	return true
}

// NewPositionID returns a PositionId that sorts consistently with
// creation order: a zero-padded UTC nanosecond timestamp segment followed by
// a UUID, so lexicographic and chronological ordering agree.
func NewPositionID(now time.Time) PositionId {
	return now.UTC().Format("20060102T150405.000000000") + "-" + uuid.NewString()
}

// ActorConnection is one actor's aggregate trading activity against a
// token, as tracked inside a MindmapSnapshot.
type ActorConnection struct {
	TradeCount     int
	TotalVolume    float64
	LastTradeTime  time.Time
	InfluenceScore float64 // 0..100
	TradeKinds     map[TradeKind]struct{}
}

// Clone returns a deep copy of the connection (its TradeKinds set is its
// only reference field).
func (c ActorConnection) Clone() ActorConnection {
	kinds := make(map[TradeKind]struct{}, len(c.TradeKinds))
	for k := range c.TradeKinds {
		kinds[k] = struct{}{}
	}
	c.TradeKinds = kinds
	return c
}

// TradeKind is either a buy or a sell.
type TradeKind string

const (
	TradeBuy  TradeKind = "buy"
	TradeSell TradeKind = "sell"
)

// NetworkMetrics is the token-wide aggregate carried alongside per-actor
// connections.
type NetworkMetrics struct {
	TotalTrades int
}

// MindmapSnapshot is the per-token social graph the FilterEngine reasons
// over. Callers must treat it as immutable once published; mutation
// happens on a cloned copy (see orchestrator.copyOnWrite).
type MindmapSnapshot struct {
	Token            TokenId
	ActorConnections map[ActorId]ActorConnection
	NetworkMetrics   NetworkMetrics
	LastUpdate       time.Time
}

// Clone returns a snapshot whose ActorConnections map (and each
// connection's TradeKinds set) is independent of the receiver, so the
// admission pipeline can keep reading the original while a handler
// mutates the copy.
func (s *MindmapSnapshot) Clone() *MindmapSnapshot {
	if s == nil {
		return nil
	}
	cp := &MindmapSnapshot{
		Token:          s.Token,
		NetworkMetrics: s.NetworkMetrics,
		LastUpdate:     s.LastUpdate,
	}
	cp.ActorConnections = make(map[ActorId]ActorConnection, len(s.ActorConnections))
	for id, c := range s.ActorConnections {
		cp.ActorConnections[id] = c.Clone()
	}
	return cp
}

// PositionStatus is one of the three lifecycle states of a Position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
	StatusFailed PositionStatus = "failed"
)

// SellConditions holds a position's configured and derived exit
// parameters, including the stepped trailing-stop state machine's fields.
type SellConditions struct {
	TakeProfitPct         *float64
	StopLossPct           *float64
	TrailingStopPct       *float64
	TrailingStopActivated bool
	MaxHoldMinutes        *int

	// Stepped trailing-stop state; CurrStopPrice and NextTargetPrice are
	// non-nil whenever TrailingStopActivated is set.
	StepLevel       int
	NextTargetPrice *float64
	CurrStopPrice   *float64

	// Partial profit-taking: sell PartialProfitPct% once price reaches
	// PartialProfitMultiple x entry, at most once.
	PartialProfitPct      *float64
	PartialProfitMultiple *float64
	PartialSold           bool
}

// Position is a single round-trip (or in-flight) trade. Field names
// match the wire/storage shape (agentId/tokenMint) rather than the
// Go-cased ActorId/TokenId aliases.
type Position struct {
	ID              PositionId
	AgentID         ActorId
	TokenMint       TokenId
	IsSimulation    bool
	Prediction      *PredictionOutcome
	Status          PositionStatus
	OpenedAt        time.Time
	ClosedAt        *time.Time
	EntryPrice      float64
	EntryAmount     float64
	EntryValue      float64
	BuyTxID         string
	ExitPrice       *float64
	ExitAmount      *float64
	ExitValue       *float64
	SellTxID        string
	SellReason      string
	RealizedPnL     *float64
	RealizedPnLPct  *float64
	HighestPrice    float64
	LowestPrice     float64
	CurrentPrice    float64
	LastPriceUpdate time.Time
	SellConditions  SellConditions
	LedgerID        string
	OriginalTradeID string
	WatchJobID      string
	Tags            []string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	mu sync.Mutex
}

// Clone returns a value copy of the position safe to hand to callers that
// must not observe concurrent mutation (the store always returns clones).
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *p
	cp.mu = sync.Mutex{}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		cp.ExitPrice = &v
	}
	if p.ExitAmount != nil {
		v := *p.ExitAmount
		cp.ExitAmount = &v
	}
	if p.ExitValue != nil {
		v := *p.ExitValue
		cp.ExitValue = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		cp.RealizedPnL = &v
	}
	if p.RealizedPnLPct != nil {
		v := *p.RealizedPnLPct
		cp.RealizedPnLPct = &v
	}
	cp.Tags = append([]string(nil), p.Tags...)
	cp.SellConditions = p.SellConditions
	if p.SellConditions.NextTargetPrice != nil {
		v := *p.SellConditions.NextTargetPrice
		cp.SellConditions.NextTargetPrice = &v
	}
	if p.SellConditions.CurrStopPrice != nil {
		v := *p.SellConditions.CurrStopPrice
		cp.SellConditions.CurrStopPrice = &v
	}
	return &cp
}

// ExtendHighLow applies the monotone high/low extension: highestPrice
// never decreases, lowestPrice never increases.
func (p *Position) ExtendHighLow(price float64) {
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	if p.LowestPrice == 0 || price < p.LowestPrice {
		p.LowestPrice = price
	}
}

// PctChange returns the percent change of price relative to entry price,
// or 0 when entryPrice is 0 so callers never divide by zero.
func (p *Position) PctChange(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// FilterSignal is one of the strong-signal overrides FilterEngine can
// emit.
type FilterSignal string

const (
	SignalViralSpike    FilterSignal = "VIRAL_SPIKE"
	SignalSmartMoney    FilterSignal = "SMART_MONEY"
	SignalHighConsensus FilterSignal = "HIGH_CONSENSUS"
)

// FilterMetrics are the aggregate numbers FilterEngine computes from a
// MindmapSnapshot.
type FilterMetrics struct {
	TotalVolume     float64
	ConnectedActors int
	AvgInfluence    float64
	TotalTrades     int
	ViralVelocity   int
	WeightedVolume  float64
	ConsensusScore  float64
}

// FilterResult is FilterEngine's verdict for one token.
type FilterResult struct {
	Passed  bool
	Reason  string
	Metrics FilterMetrics
	Signals map[FilterSignal]struct{}
}

// HasSignal reports whether r carries the given signal.
func (r FilterResult) HasSignal(s FilterSignal) bool {
	_, ok := r.Signals[s]
	return ok
}

// PredictionOutcome is the (possibly partial) result of a prediction
// service call.
type PredictionOutcome struct {
	TaskType    string
	ClassLabel  string
	Probability *float64
	Value       *float64
	Approved    bool
	Confidence  float64 // 0..100
}
