package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/backend/internal/model"
	"github.com/ledgerlens/backend/internal/store"
	"github.com/ledgerlens/backend/pkg/logger"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func clockAt(s string) func() time.Time {
	at := day(s)
	return func() time.Time { return at }
}

var txSeq int

func seedTx(t *testing.T, st *store.MemoryStore, userID, date, merchant, category string, amount float64) *model.Transaction {
	t.Helper()
	txSeq++
	tx := &model.Transaction{
		ID:        fmt.Sprintf("tx-%04d", txSeq),
		UserID:    userID,
		AccountID: "acc_checking",
		Date:      day(date),
		Amount:    amount,
		Merchant:  merchant,
		Category:  category,
	}
	require.NoError(t, st.CreateTransaction(context.Background(), tx))
	return tx
}

func seedBalance(t *testing.T, st *store.MemoryStore, userID, accountID, date string, balance float64) {
	t.Helper()
	txSeq++
	tx := &model.Transaction{
		ID:        fmt.Sprintf("tx-%04d", txSeq),
		UserID:    userID,
		AccountID: accountID,
		Date:      day(date),
		Amount:    0,
		Merchant:  "balance sync",
		Balance:   &balance,
	}
	require.NoError(t, st.CreateTransaction(context.Background(), tx))
}

func seedBudget(t *testing.T, st *store.MemoryStore, userID, category string, monthly float64) {
	t.Helper()
	require.NoError(t, st.UpsertBudget(context.Background(), &model.CategoryBudget{
		UserID:        userID,
		Category:      category,
		MonthlyBudget: monthly,
	}))
}

func findInsight(items []*model.Insight, kind model.InsightType) *model.Insight {
	for _, in := range items {
		if in.Type == kind {
			return in
		}
	}
	return nil
}

var testLogger = logger.NewNop
