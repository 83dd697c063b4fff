package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// MoneyGroup is one ranked revenue group.
type MoneyGroup struct {
	Key          string      `json:"key"`
	Amount       json.Number `json:"amount"`
	Transactions int         `json:"transactions"`

	sum decimal.Decimal
}

// RevenueSummary totals the revenue of a window.
type RevenueSummary struct {
	Currency     string      `json:"currency"`
	Total        json.Number `json:"total"`
	Transactions int         `json:"transactions"`
	Payers       int         `json:"payers"`
	ARPPU        json.Number `json:"arppu"`
}

// RevenueResult is the per-bucket revenue series with a platform breakdown.
type RevenueResult struct {
	Series     []MoneyPoint   `json:"series"`
	ByPlatform []MoneyGroup   `json:"by_platform"`
	Summary    RevenueSummary `json:"summary"`
}

// selectTransactions keeps the transactions in the window, restricted to
// currency when it is set, and reports the single currency left. Mixed
// currencies yield ErrInconsistentCurrency.
func selectTransactions(txs []*models.MonetizationTransaction, w Window, currency string) ([]*models.MonetizationTransaction, string, error) {
	out := make([]*models.MonetizationTransaction, 0, len(txs))
	seen := make(map[string]struct{})
	for _, t := range txs {
		if !w.Contains(t.Timestamp, 0) {
			continue
		}
		if currency != "" && !strings.EqualFold(t.Currency, currency) {
			continue
		}
		seen[strings.ToUpper(t.Currency)] = struct{}{}
		out = append(out, t)
	}
	if len(seen) > 1 {
		list := make([]string, 0, len(seen))
		for c := range seen {
			list = append(list, c)
		}
		sort.Strings(list)
		return nil, "", fmt.Errorf("%w: %s", ErrInconsistentCurrency, strings.Join(list, ", "))
	}
	for c := range seen {
		return out, c, nil
	}
	return out, strings.ToUpper(currency), nil
}

// Revenue sums transaction amounts per bucket. Transactions carry no local
// offset, so in local mode they are bucketed in UTC.
func Revenue(txs []*models.MonetizationTransaction, w Window, currency string) (*RevenueResult, error) {
	selected, cur, err := selectTransactions(txs, w, currency)
	if err != nil {
		return nil, err
	}

	perBucket := make(map[bucket.Key]decimal.Decimal)
	payers := make(map[string]struct{})
	total := decimal.Zero
	for _, t := range selected {
		k := w.Key(t.Timestamp, 0)
		perBucket[k] = perBucket[k].Add(t.Amount)
		total = total.Add(t.Amount)
		payers[t.PlayerID] = struct{}{}
	}

	keys := w.Keys()
	series := make([]MoneyPoint, len(keys))
	for i, k := range keys {
		series[i] = MoneyPoint{Key: k, Amount: Money(perBucket[k])}
	}

	arppu := decimal.Zero
	if len(payers) > 0 {
		arppu = total.DivRound(decimal.NewFromInt(int64(len(payers))), 2)
	}

	return &RevenueResult{
		Series:     series,
		ByPlatform: rankGroups(selected, func(t *models.MonetizationTransaction) string { return t.Platform }),
		Summary: RevenueSummary{
			Currency:     cur,
			Total:        Money(total),
			Transactions: len(selected),
			Payers:       len(payers),
			ARPPU:        Money(arppu),
		},
	}, nil
}

// RevenueByProduct ranks products by revenue.
func RevenueByProduct(txs []*models.MonetizationTransaction, w Window, currency string) ([]MoneyGroup, string, error) {
	return revenueBy(txs, w, currency, func(t *models.MonetizationTransaction) string { return t.ProductID })
}

// RevenueByPlatform ranks platforms by revenue.
func RevenueByPlatform(txs []*models.MonetizationTransaction, w Window, currency string) ([]MoneyGroup, string, error) {
	return revenueBy(txs, w, currency, func(t *models.MonetizationTransaction) string { return t.Platform })
}

func revenueBy(txs []*models.MonetizationTransaction, w Window, currency string, dim func(*models.MonetizationTransaction) string) ([]MoneyGroup, string, error) {
	selected, cur, err := selectTransactions(txs, w, currency)
	if err != nil {
		return nil, "", err
	}
	return rankGroups(selected, dim), cur, nil
}

// rankGroups sums amounts by dim and orders groups by amount descending,
// ties by key ascending.
func rankGroups(txs []*models.MonetizationTransaction, dim func(*models.MonetizationTransaction) string) []MoneyGroup {
	byKey := make(map[string]*MoneyGroup)
	for _, t := range txs {
		k := dim(t)
		g, ok := byKey[k]
		if !ok {
			g = &MoneyGroup{Key: k}
			byKey[k] = g
		}
		g.sum = g.sum.Add(t.Amount)
		g.Transactions++
	}

	groups := make([]MoneyGroup, 0, len(byKey))
	for _, g := range byKey {
		g.Amount = Money(g.sum)
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if c := groups[i].sum.Cmp(groups[j].sum); c != 0 {
			return c > 0
		}
		return groups[i].Key < groups[j].Key
	})
	return groups
}
