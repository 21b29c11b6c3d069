package dashboard

import (
	"time"

	"signaltrader/internal/domain"
	"signaltrader/internal/orchestrator"
)

// mindmapPayload is the MindmapUpdate wire shape:
// {tokenMint, data|mindmapData, timestamp}, accepting either field name
// for the snapshot body.
type mindmapPayload struct {
	TokenMint   string              `json:"tokenMint"`
	Data        *mindmapSnapshotDTO `json:"data"`
	MindmapData *mindmapSnapshotDTO `json:"mindmapData"`
	Timestamp   int64               `json:"timestamp"`
}

type mindmapSnapshotDTO struct {
	ActorConnections map[string]actorConnectionDTO `json:"actorConnections"`
	NetworkMetrics   struct {
		TotalTrades int `json:"totalTrades"`
	} `json:"networkMetrics"`
}

type actorConnectionDTO struct {
	TradeCount     int      `json:"tradeCount"`
	TotalVolume    float64  `json:"totalVolume"`
	LastTradeTime  int64    `json:"lastTradeTime"`
	InfluenceScore float64  `json:"influenceScore"`
	TradeKinds     []string `json:"tradeKinds"`
}

func (p mindmapPayload) snapshot() *domain.MindmapSnapshot {
	body := p.Data
	if body == nil {
		body = p.MindmapData
	}
	snap := &domain.MindmapSnapshot{
		Token:            p.TokenMint,
		ActorConnections: make(map[domain.ActorId]domain.ActorConnection),
		LastUpdate:       timestampOrNow(p.Timestamp),
	}
	if body == nil {
		return snap
	}
	snap.NetworkMetrics.TotalTrades = body.NetworkMetrics.TotalTrades
	for actorID, c := range body.ActorConnections {
		kinds := make(map[domain.TradeKind]struct{}, len(c.TradeKinds))
		for _, k := range c.TradeKinds {
			kinds[domain.TradeKind(k)] = struct{}{}
		}
		snap.ActorConnections[domain.ActorId(actorID)] = domain.ActorConnection{
			TradeCount:     c.TradeCount,
			TotalVolume:    c.TotalVolume,
			LastTradeTime:  timestampOrNow(c.LastTradeTime),
			InfluenceScore: c.InfluenceScore,
			TradeKinds:     kinds,
		}
	}
	return snap
}

// actorTradePayload is the ActorTradeUpdate wire shape:
// { trade: { id, actorId, signature, timestamp, tradeData: {...} }, event: {...} }.
type actorTradePayload struct {
	Trade struct {
		ID        string `json:"id"`
		ActorID   string `json:"actorId"`
		Signature string `json:"signature"`
		Timestamp int64  `json:"timestamp"`
		TradeData struct {
			TokenIn   string  `json:"tokenIn"`
			TokenOut  string  `json:"tokenOut"`
			Mint      string  `json:"mint"`
			AmountIn  float64 `json:"amountIn"`
			AmountOut float64 `json:"amountOut"`
			TradeKind string  `json:"tradeKind"`
		} `json:"tradeData"`
	} `json:"trade"`
	Event struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	} `json:"event"`
}

func (p actorTradePayload) actorTradeData() (domain.ActorId, orchestrator.ActorTradeData, time.Time) {
	td := p.Trade.TradeData
	data := orchestrator.ActorTradeData{
		TokenIn:   domain.TokenId(td.TokenIn),
		TokenOut:  domain.TokenId(td.TokenOut),
		Mint:      domain.TokenId(td.Mint),
		AmountIn:  td.AmountIn,
		AmountOut: td.AmountOut,
		TradeKind: domain.TradeKind(td.TradeKind),
	}
	return domain.ActorId(p.Trade.ActorID), data, timestampOrNow(p.Trade.Timestamp)
}

func timestampOrNow(unixSeconds int64) time.Time {
	if unixSeconds <= 0 {
		return time.Now()
	}
	return time.Unix(unixSeconds, 0).UTC()
}
