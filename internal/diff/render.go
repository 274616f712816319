package diff

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/maxphoton/PiggyBank/internal/feed"
)

// Message rendering. HTML parse mode, one message per notification,
// identical for every recipient.

func (e *Engine) renderEpochAppeared(record feed.AssetRecord) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("🆕 New asset added <b>%s</b>!", record.DisplayName()))
	builder.WriteString(filledFragment(record))
	builder.WriteString("\n\nUse /start to configure notifications for this asset.")
	builder.WriteString(e.appLink())
	return builder.String()
}

func (e *Engine) renderEpochChanged(record feed.AssetRecord, oldEpoch string) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("🔄 New Epoch for <b>%s</b>: %s → %s", record.DisplayName(), oldEpoch, record.Epoch()))
	builder.WriteString(filledFragment(record))
	builder.WriteString(e.appLink())
	return builder.String()
}

func (e *Engine) renderUtilizationChanged(record feed.AssetRecord, delta decimal.Decimal) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("📊 Utilization changed for <b>%s</b>: %s", record.DisplayName(), signedFixed(delta)))
	builder.WriteString(filledFragment(record))
	builder.WriteString(e.appLink())
	return builder.String()
}

func (e *Engine) renderCapacityChanged(record feed.AssetRecord, delta decimal.Decimal) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("📦 Capacity changed for <b>%s</b>: %s", record.DisplayName(), signedFixed(delta)))
	builder.WriteString(filledFragment(record))
	builder.WriteString(e.appLink())
	return builder.String()
}

func (e *Engine) appLink() string {
	if e.opts.AppURL == "" {
		return ""
	}
	return fmt.Sprintf("\n\n<a href=\"%s\">Open PiggyBank</a>", e.opts.AppURL)
}

// filledFragment renders "Filled: <utilization> / <capacity>" when both
// values parse, and nothing otherwise.
func filledFragment(record feed.AssetRecord) string {
	capacity, err := record.Capacity()
	if err != nil {
		return ""
	}
	utilization, err := record.Utilization()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("\nFilled: %s / %s", utilization.String(), capacity.String())
}

func signedFixed(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	if d.Sign() >= 0 {
		return "+" + fixed
	}
	return fixed
}
