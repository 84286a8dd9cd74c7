package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
)

// Snapshot is the read model for the presentation layer: inventory,
// transactions newest first and every sale line flattened.
func (s *Service) Snapshot(ctx context.Context) (domain.ViewSnapshot, error) {
	return s.view.Snapshot(ctx, s.accountID(ctx), s.loadSnapshot)
}

func (s *Service) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.Items, nil
}

func (s *Service) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.Transactions, nil
}

// loadSnapshot reads under the account lock so a cold load never sees a
// mutation that has reached the stores but not the view.
func (s *Service) loadSnapshot(ctx context.Context, accountID string) (*domain.ViewSnapshot, error) {
	var snapshot *domain.ViewSnapshot
	err := s.withAccountLock(ctx, accountID, func() error {
		var err error
		snapshot, err = s.readSnapshot(ctx, accountID)
		return err
	})
	return snapshot, err
}

func (s *Service) readSnapshot(ctx context.Context, accountID string) (*domain.ViewSnapshot, error) {
	items, err := s.repo.ListItems(ctx, accountID)
	if err != nil {
		return nil, store.Wrap("list inventory", err)
	}
	txs, err := s.repo.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, store.Wrap("list transactions", err)
	}

	snapshot := &domain.ViewSnapshot{
		AccountID:    accountID,
		Items:        items,
		Transactions: txs,
		Sales:        make([]domain.Sale, 0, len(txs)*2),
		LoadedAt:     time.Now().UTC(),
	}
	for _, tx := range txs {
		snapshot.Sales = append(snapshot.Sales, tx.Sales...)
	}
	return snapshot, nil
}

// DailyReport summarizes one UTC day. Returned lines count as neither
// revenue nor cost; standalone refunds are reported on their own.
func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	var day time.Time
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return domain.DailyReport{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		day = parsed.UTC()
	}
	from := day
	to := from.Add(24 * time.Hour)

	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return domain.DailyReport{}, err
	}

	report := domain.DailyReport{
		AccountID:      snapshot.AccountID,
		Date:           from.Format("2006-01-02"),
		GrossSales:     decimal.Zero,
		Refunds:        decimal.Zero,
		CostOfGoods:    decimal.Zero,
		GSTSales:       decimal.Zero,
		RecordedTotals: decimal.Zero,
	}
	byPayment := make(map[string]*domain.DailyReportPayment)
	for _, tx := range snapshot.Transactions {
		if tx.Date.Before(from) || !tx.Date.Before(to) {
			continue
		}
		report.Transactions++
		report.RecordedTotals = report.RecordedTotals.Add(tx.TotalPrice)

		payment, ok := byPayment[tx.PaymentMethod]
		if !ok {
			payment = &domain.DailyReportPayment{PaymentMethod: tx.PaymentMethod, Total: decimal.Zero}
			byPayment[tx.PaymentMethod] = payment
		}
		payment.Transactions++
		payment.Total = payment.Total.Add(tx.TotalPrice)

		for _, line := range tx.Sales {
			if tx.Kind == domain.TxKindRefund {
				report.Refunds = report.Refunds.Add(line.TotalPrice.Abs())
				continue
			}
			if line.Status == domain.SaleStatusReturned {
				report.LinesReturned++
				continue
			}
			report.LinesSold++
			report.GrossSales = report.GrossSales.Add(line.TotalPrice)
			report.CostOfGoods = report.CostOfGoods.Add(line.ItemCostAtSale)
			if line.HasGST {
				report.GSTSales = report.GSTSales.Add(line.TotalPrice)
			}
		}
	}
	report.NetSales = report.GrossSales.Sub(report.Refunds)
	report.Margin = report.GrossSales.Sub(report.CostOfGoods)

	report.ByPayment = make([]domain.DailyReportPayment, 0, len(byPayment))
	for _, payment := range byPayment {
		report.ByPayment = append(report.ByPayment, *payment)
	}
	sort.Slice(report.ByPayment, func(i, j int) bool {
		return report.ByPayment[i].PaymentMethod < report.ByPayment[j].PaymentMethod
	})
	return report, nil
}
