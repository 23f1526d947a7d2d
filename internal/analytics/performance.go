package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"bracketBot/internal/domain"
)

// PerformanceMetrics summarises closed ledger trades.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       decimal.Decimal `json:"win_rate"` // fraction of trades with pnl > 0
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	AveragePnL    decimal.Decimal `json:"average_pnl"`
	AverageWin    decimal.Decimal `json:"average_win"`
	AverageLoss   decimal.Decimal `json:"average_loss"` // negative or zero
	ProfitFactor  decimal.Decimal `json:"profit_factor"` // gross profit / gross loss, zero without losses
	LargestWin    decimal.Decimal `json:"largest_win"`
	LargestLoss   decimal.Decimal `json:"largest_loss"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"` // peak-to-trough of cumulative pnl

	// Advanced Metrics
	MaxConsecutiveWins   int                        `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int                        `json:"max_consecutive_losses"`
	AverageTradeDuration time.Duration              `json:"average_trade_duration"`
	Expectancy           decimal.Decimal            `json:"expectancy"`
	ByExitReason         map[domain.ExitReason]int  `json:"by_exit_reason"`
	MonthlyPnL           map[string]decimal.Decimal `json:"monthly_pnl"`
}

// AnalyzePerformance calculates metrics over the CLOSED trades in trades.
// Trades without a recorded pnl count toward ByExitReason only.
func AnalyzePerformance(trades []*domain.Trade) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		ByExitReason: make(map[domain.ExitReason]int),
		MonthlyPnL:   make(map[string]decimal.Decimal),
	}

	closed := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Status != domain.StatusClosed {
			continue
		}
		metrics.ByExitReason[t.ExitReason]++
		if t.PnL.Valid {
			closed = append(closed, t)
		}
	}
	if len(closed) == 0 {
		return metrics
	}

	// Sort trades by close time
	sort.SliceStable(closed, func(i, j int) bool {
		return closeTime(closed[i]).Before(closeTime(closed[j]))
	})

	var grossProfit, grossLoss, cumulative, peak decimal.Decimal
	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration

	for _, trade := range closed {
		pnl := trade.PnL.Decimal
		metrics.TotalTrades++

		if pnl.IsPositive() {
			metrics.WinningTrades++
			grossProfit = grossProfit.Add(pnl)
			consecutiveWins++
			consecutiveLosses = 0
			if pnl.GreaterThan(metrics.LargestWin) {
				metrics.LargestWin = pnl
			}
		} else {
			metrics.LosingTrades++
			grossLoss = grossLoss.Add(pnl.Neg())
			consecutiveLosses++
			consecutiveWins = 0
			if pnl.LessThan(metrics.LargestLoss) {
				metrics.LargestLoss = pnl
			}
		}

		// Update consecutive wins/losses
		if consecutiveWins > metrics.MaxConsecutiveWins {
			metrics.MaxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > metrics.MaxConsecutiveLosses {
			metrics.MaxConsecutiveLosses = consecutiveLosses
		}

		cumulative = cumulative.Add(pnl)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		if dd := peak.Sub(cumulative); dd.GreaterThan(metrics.MaxDrawdown) {
			metrics.MaxDrawdown = dd
		}

		month := closeTime(trade).UTC().Format("2006-01")
		metrics.MonthlyPnL[month] = metrics.MonthlyPnL[month].Add(pnl)

		if trade.ClosedAt != nil {
			totalDuration += trade.ClosedAt.Sub(trade.OpenedAt)
		}
	}

	// Calculate final metrics
	n := decimal.NewFromInt(int64(metrics.TotalTrades))
	metrics.TotalPnL = cumulative
	metrics.AveragePnL = cumulative.Div(n)
	metrics.WinRate = decimal.NewFromInt(int64(metrics.WinningTrades)).Div(n)
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = grossProfit.Div(decimal.NewFromInt(int64(metrics.WinningTrades)))
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = grossLoss.Neg().Div(decimal.NewFromInt(int64(metrics.LosingTrades)))
	}
	if grossLoss.IsPositive() {
		metrics.ProfitFactor = grossProfit.Div(grossLoss)
	}
	metrics.AverageTradeDuration = totalDuration / time.Duration(metrics.TotalTrades)
	metrics.Expectancy = metrics.WinRate.Mul(metrics.AverageWin).
		Add(decimal.NewFromInt(1).Sub(metrics.WinRate).Mul(metrics.AverageLoss))

	return metrics
}

// GetMonthlyPnL returns the monthly pnl as a sorted slice
func (m *PerformanceMetrics) GetMonthlyPnL() []MonthlyPnL {
	out := make([]MonthlyPnL, 0, len(m.MonthlyPnL))
	for month, pnl := range m.MonthlyPnL {
		date, _ := time.Parse("2006-01", month)
		out = append(out, MonthlyPnL{Month: date, PnL: pnl})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Month.Before(out[j].Month)
	})
	return out
}

// MonthlyPnL represents the realized pnl of one calendar month
type MonthlyPnL struct {
	Month time.Time
	PnL   decimal.Decimal
}

func closeTime(t *domain.Trade) time.Time {
	if t.ClosedAt != nil {
		return *t.ClosedAt
	}
	return t.OpenedAt
}
