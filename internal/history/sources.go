package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"kraken-manager/internal/core"
	"kraken-manager/internal/exchange/kraken"
	"kraken-manager/internal/symbol"
)

// TradesAPI and LedgersAPI are the private endpoints the sources page through.
type TradesAPI interface {
	TradesHistory(ctx context.Context, q kraken.HistoryQuery) (kraken.TradesHistory, error)
}

type LedgersAPI interface {
	Ledgers(ctx context.Context, q kraken.HistoryQuery) (kraken.Ledgers, error)
}

// Window limits a sync to records between Start and End. Zero bounds are open.
type Window struct {
	Start time.Time
	End   time.Time
}

// TradeSource pages TradesHistory. A non-empty Market skips trades on other
// pairs without stalling the cursor.
type TradeSource struct {
	API    TradesAPI
	Codec  *symbol.Codec
	Market string
	Window Window
}

func (s *TradeSource) Kind() core.RecordKind { return core.KindTrade }

func (s *TradeSource) Fetch(ctx context.Context, offset int) (Page[core.Trade], error) {
	resp, err := s.API.TradesHistory(ctx, kraken.HistoryQuery{Offset: offset, Start: s.Window.Start, End: s.Window.End})
	if err != nil {
		return Page[core.Trade]{}, err
	}
	page := Page[core.Trade]{Fetched: len(resp.Trades), Count: resp.Count}
	for txid, info := range resp.Trades {
		trade, err := s.trade(txid, info)
		if err != nil {
			return Page[core.Trade]{}, err
		}
		if s.Market != "" && !strings.EqualFold(trade.Market, s.Market) {
			continue
		}
		page.Records = append(page.Records, trade)
	}
	sortNewestFirst(page.Records)
	return page, nil
}

func (s *TradeSource) trade(txid string, info kraken.TradeInfo) (core.Trade, error) {
	side, err := info.Side()
	if err != nil {
		return core.Trade{}, fmt.Errorf("trade %s: %w", txid, err)
	}
	t := core.Trade{
		RefID:    core.RefID(kraken.ExchangeName, txid),
		Exchange: kraken.ExchangeName,
		Market:   s.Codec.ToPlatform(info.Pair),
		Side:     side,
		Amount:   info.Volume,
		Price:    info.Price,
		Fee:      info.Fee,
		FeeSide:  "quote",
		Time:     kraken.EpochTime(info.Time),
	}
	if info.OrderTxID != "" {
		t.OrderID = core.RefID(kraken.ExchangeName, info.OrderTxID)
	}
	return t, nil
}

// CreditSource pages deposit ledger entries.
type CreditSource struct {
	API    LedgersAPI
	Codec  *symbol.Codec
	Window Window
}

func (s *CreditSource) Kind() core.RecordKind { return core.KindCredit }

func (s *CreditSource) Fetch(ctx context.Context, offset int) (Page[core.Credit], error) {
	resp, err := s.API.Ledgers(ctx, kraken.HistoryQuery{Offset: offset, Start: s.Window.Start, End: s.Window.End, Type: "deposit"})
	if err != nil {
		return Page[core.Credit]{}, err
	}
	page := Page[core.Credit]{Fetched: len(resp.Ledger), Count: resp.Count}
	for id, entry := range resp.Ledger {
		page.Records = append(page.Records, core.Credit{
			RefID:     core.RefID(kraken.ExchangeName, id),
			Reference: entry.RefID,
			Exchange:  kraken.ExchangeName,
			Commodity: s.Codec.PlatformCommodity(entry.Asset),
			Amount:    entry.Amount,
			State:     "complete",
			Time:      kraken.EpochTime(entry.Time),
		})
	}
	sortNewestFirst(page.Records)
	return page, nil
}

// DebitSource pages withdrawal ledger entries. The exchange reports
// withdrawals as negative amounts; debits store the magnitude.
type DebitSource struct {
	API    LedgersAPI
	Codec  *symbol.Codec
	Window Window
}

func (s *DebitSource) Kind() core.RecordKind { return core.KindDebit }

func (s *DebitSource) Fetch(ctx context.Context, offset int) (Page[core.Debit], error) {
	resp, err := s.API.Ledgers(ctx, kraken.HistoryQuery{Offset: offset, Start: s.Window.Start, End: s.Window.End, Type: "withdrawal"})
	if err != nil {
		return Page[core.Debit]{}, err
	}
	page := Page[core.Debit]{Fetched: len(resp.Ledger), Count: resp.Count}
	for id, entry := range resp.Ledger {
		page.Records = append(page.Records, core.Debit{
			RefID:     core.RefID(kraken.ExchangeName, id),
			Reference: entry.RefID,
			Exchange:  kraken.ExchangeName,
			Commodity: s.Codec.PlatformCommodity(entry.Asset),
			Amount:    entry.Amount.Abs(),
			Fee:       entry.Fee,
			State:     "complete",
			Time:      kraken.EpochTime(entry.Time),
		})
	}
	sortNewestFirst(page.Records)
	return page, nil
}

// sortNewestFirst orders a page deterministically; the exchange returns a map.
func sortNewestFirst[T core.Record](recs []T) {
	sort.Slice(recs, func(i, j int) bool {
		ti, tj := recs[i].OccurredAt(), recs[j].OccurredAt()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return recs[i].ReferenceID() < recs[j].ReferenceID()
	})
}
