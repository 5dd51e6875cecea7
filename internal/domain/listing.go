package domain

import "time"

// ListingStatus represents the lifecycle state of a market listing.
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusClosed   ListingStatus = "closed"
	ListingStatusResolved ListingStatus = "resolved"
)

// Listing is a snapshot of one prediction-market listing. Pool amounts are
// exact integers in micro units (1e6 = one whole unit of collateral).
type Listing struct {
	ID             string
	Question       string
	Category       string
	YesPoolMicro   int64
	NoPoolMicro    int64
	TotalPoolMicro int64
	EndTime        time.Time
	Resolved       bool
	Status         ListingStatus
	// CreatedAt is nil when the feed did not report a creation time.
	CreatedAt *time.Time
}

// YesPercent returns the implied yes-odds in [0,100]. An empty pool reads as
// an even 50.
func (l Listing) YesPercent() float64 {
	if l.TotalPoolMicro <= 0 {
		return 50
	}
	return float64(l.YesPoolMicro) / float64(l.TotalPoolMicro) * 100
}

// Tradable reports whether stakes can still be placed on the listing at now.
func (l Listing) Tradable(now time.Time) bool {
	if l.Resolved || l.Status == ListingStatusResolved || l.Status == ListingStatusClosed {
		return false
	}
	return now.Before(l.EndTime)
}
