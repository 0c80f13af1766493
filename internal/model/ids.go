package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Content-addressed ids: every derived record's id is a pure function of
// its semantic key, so re-running detection or generation upserts the same
// rows instead of appending duplicates.

func contentID(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// SubscriptionID derives the id for a (user, normalized merchant) pair.
func SubscriptionID(userID, merchant string) string {
	return contentID(userID, merchant)
}

// InsightID derives the id for a daily insight. Including the day makes
// generation idempotent within a day while letting findings recur across days.
func InsightID(userID string, kind InsightType, key string, day time.Time) string {
	return contentID(userID, string(kind), key, day.Format(ISODateFormat))
}

// TransactionInsightID derives the id for a transaction-scoped insight,
// idempotent per transaction rather than per day.
func TransactionInsightID(userID string, kind InsightType, key, transactionID string) string {
	return contentID(userID, string(kind), key, transactionID)
}

// GoalID derives a goal id from its defining attributes.
func GoalID(userID, name string, targetAmount float64, targetDate string) string {
	return contentID(userID, name, fmt.Sprintf("%g", targetAmount), targetDate)
}

// ContributionID derives the id for a contribution ledger row.
func ContributionID(goalID string, date time.Time, amount float64) string {
	return contentID(goalID, date.Format(ISODateFormat), fmt.Sprintf("%.2f", amount))
}

// NormalizeMerchant lowercases and trims a merchant name so grouping and
// ids are stable across formatting differences.
func NormalizeMerchant(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
