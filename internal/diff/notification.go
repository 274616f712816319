package diff

import (
	"context"

	"github.com/shopspring/decimal"
)

// Kind tags a detected change.
type Kind string

const (
	KindEpochAppeared      Kind = "epoch_appeared"
	KindEpochChanged       Kind = "epoch_changed"
	KindUtilizationChanged Kind = "utilization_changed"
	KindCapacityChanged    Kind = "capacity_changed"
)

// Audience identifies which user population a notification targets.
type Audience string

const (
	// AudienceEveryone targets every user known to the registry.
	AudienceEveryone Audience = "everyone"
	// AudienceSubscribers targets the current subscribers of the ticker.
	AudienceSubscribers Audience = "subscribers"
)

// Notification is an ephemeral change event produced by one detection
// cycle. It never persists; the message is rendered once and sent
// verbatim to every recipient.
type Notification struct {
	Kind        Kind
	Ticker      string
	DisplayName string
	Audience    Audience
	Recipients  []int64
	Message     string

	OldEpoch string
	NewEpoch string
	OldValue decimal.Decimal
	NewValue decimal.Decimal
	Delta    decimal.Decimal
}

// SubscriberDirectory resolves notification audiences. Implementations
// return empty results on lookup failure, per the registry read contract.
type SubscriberDirectory interface {
	AllUserIDs(ctx context.Context) []int64
	SubscribersOf(ctx context.Context, ticker string) []int64
}
