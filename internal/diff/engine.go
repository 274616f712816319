package diff

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/maxphoton/PiggyBank/internal/feed"
)

// Thresholds for the numeric rules. Utilization drifts constantly with
// deposits, so small movements are noise; capacity is set by the
// operator and any change at all is notable. The asymmetry is policy,
// not an accident.
var (
	utilizationThreshold = decimal.NewFromInt(1)
	capacityThreshold    = decimal.Zero
)

// Options parameterise the engine.
type Options struct {
	// AppURL is linked from every rendered message.
	AppURL string
}

// Engine compares two successive asset snapshots and derives ordered,
// audience-resolved notifications.
type Engine struct {
	directory SubscriberDirectory
	opts      Options
	logger    zerolog.Logger
}

// NewEngine constructs a detection engine.
func NewEngine(directory SubscriberDirectory, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		directory: directory,
		opts:      opts,
		logger:    logger.With().Str("component", "diff_engine").Logger(),
	}
}

// Detect runs the detection rules over current vs. saved, in fixed rule
// order, and returns the resulting notifications. Seeding (saved == nil)
// is the caller's concern: Detect treats nil saved as an empty snapshot,
// so callers must not invoke it on the first cycle.
func (e *Engine) Detect(ctx context.Context, current, saved []feed.AssetRecord) []Notification {
	curOrder, curIdx := indexByTicker(current)
	_, savIdx := indexByTicker(saved)

	e.logger.Debug().Int("current", len(curIdx)).Int("saved", len(savIdx)).Msg("comparing snapshots")

	notes := make([]Notification, 0)

	// Rule 1: epoch appeared, either on a brand new ticker or on an
	// existing one that previously lacked the key. Everyone is told.
	var allUsers []int64
	allUsersLoaded := false
	for _, ticker := range curOrder {
		cur := curIdx[ticker]
		if !cur.HasEpoch() {
			continue
		}
		if sav, ok := savIdx[ticker]; ok && sav.HasEpoch() {
			continue
		}

		if !allUsersLoaded {
			allUsers = e.directory.AllUserIDs(ctx)
			allUsersLoaded = true
		}

		e.logger.Info().Str("ticker", ticker).Str("asset", cur.DisplayName()).
			Int("recipients", len(allUsers)).Msg("epoch appeared")

		notes = append(notes, Notification{
			Kind:        KindEpochAppeared,
			Ticker:      ticker,
			DisplayName: cur.DisplayName(),
			Audience:    AudienceEveryone,
			Recipients:  allUsers,
			NewEpoch:    cur.Epoch(),
			Message:     e.renderEpochAppeared(cur),
		})
	}

	// Rule 2: epoch rollover on a ticker present in both snapshots.
	// Only subscribers care; no subscribers, no notification.
	for _, ticker := range curOrder {
		cur := curIdx[ticker]
		sav, ok := savIdx[ticker]
		if !ok || !cur.HasEpoch() || !sav.HasEpoch() {
			continue
		}
		if cur.Epoch() == sav.Epoch() {
			continue
		}

		subscribers := e.directory.SubscribersOf(ctx, ticker)
		if len(subscribers) == 0 {
			e.logger.Debug().Str("ticker", ticker).Msg("epoch changed but nobody subscribed")
			continue
		}

		e.logger.Info().Str("ticker", ticker).Str("asset", cur.DisplayName()).
			Str("old_epoch", sav.Epoch()).Str("new_epoch", cur.Epoch()).
			Int("recipients", len(subscribers)).Msg("epoch changed")

		notes = append(notes, Notification{
			Kind:        KindEpochChanged,
			Ticker:      ticker,
			DisplayName: cur.DisplayName(),
			Audience:    AudienceSubscribers,
			Recipients:  subscribers,
			OldEpoch:    sav.Epoch(),
			NewEpoch:    cur.Epoch(),
			Message:     e.renderEpochChanged(cur, sav.Epoch()),
		})
	}

	// Rule 3: utilization drift beyond the noise threshold.
	notes = append(notes, e.numericRule(ctx, curOrder, curIdx, savIdx, numericRule{
		kind:      KindUtilizationChanged,
		field:     "lst_tvl",
		threshold: utilizationThreshold,
		value:     feed.AssetRecord.Utilization,
		render:    e.renderUtilizationChanged,
	})...)

	// Rule 4: any capacity change at all.
	notes = append(notes, e.numericRule(ctx, curOrder, curIdx, savIdx, numericRule{
		kind:      KindCapacityChanged,
		field:     "lst_cap",
		threshold: capacityThreshold,
		value:     feed.AssetRecord.Capacity,
		render:    e.renderCapacityChanged,
	})...)

	return notes
}

type numericRule struct {
	kind      Kind
	field     string
	threshold decimal.Decimal
	value     func(feed.AssetRecord) (decimal.Decimal, error)
	render    func(feed.AssetRecord, decimal.Decimal) string
}

func (e *Engine) numericRule(ctx context.Context, curOrder []string, curIdx, savIdx map[string]feed.AssetRecord, rule numericRule) []Notification {
	notes := make([]Notification, 0)

	for _, ticker := range curOrder {
		cur := curIdx[ticker]
		sav, ok := savIdx[ticker]
		if !ok {
			continue
		}

		curValue, err := rule.value(cur)
		if err != nil {
			e.warnUnparseable(ticker, rule.field, err)
			continue
		}
		savValue, err := rule.value(sav)
		if err != nil {
			e.warnUnparseable(ticker, rule.field, err)
			continue
		}

		delta := curValue.Sub(savValue)
		if delta.Abs().Cmp(rule.threshold) <= 0 {
			continue
		}

		subscribers := e.directory.SubscribersOf(ctx, ticker)
		if len(subscribers) == 0 {
			e.logger.Debug().Str("ticker", ticker).Str("field", rule.field).Msg("value changed but nobody subscribed")
			continue
		}

		e.logger.Info().Str("ticker", ticker).Str("asset", cur.DisplayName()).
			Str("field", rule.field).
			Str("old", savValue.String()).Str("new", curValue.String()).
			Str("delta", delta.String()).
			Int("recipients", len(subscribers)).Msg("numeric field changed")

		notes = append(notes, Notification{
			Kind:        rule.kind,
			Ticker:      ticker,
			DisplayName: cur.DisplayName(),
			Audience:    AudienceSubscribers,
			Recipients:  subscribers,
			OldValue:    savValue,
			NewValue:    curValue,
			Delta:       delta,
			Message:     rule.render(cur, delta),
		})
	}

	return notes
}

func (e *Engine) warnUnparseable(ticker, field string, err error) {
	// Missing fields are routine; genuinely unparseable ones deserve a warning.
	if err == feed.ErrFieldMissing {
		return
	}
	e.logger.Warn().Err(err).Str("ticker", ticker).Str("field", field).Msg("skipping ticker for this rule")
}

// indexByTicker maps records by ticker, keeping current-list order and
// excluding records whose ticker is missing, empty, or not a string
// (non-string tickers decode to the empty string).
func indexByTicker(records []feed.AssetRecord) ([]string, map[string]feed.AssetRecord) {
	order := make([]string, 0, len(records))
	index := make(map[string]feed.AssetRecord, len(records))
	for _, record := range records {
		if record.Ticker == "" {
			continue
		}
		if _, dup := index[record.Ticker]; !dup {
			order = append(order, record.Ticker)
		}
		index[record.Ticker] = record
	}
	return order, index
}
