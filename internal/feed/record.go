package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrFieldMissing indicates a numeric field is absent from the record.
var ErrFieldMissing = errors.New("feed: field not present")

// AssetRecord is one entry of the asset-listing feed. The feed payload is
// not under our control, so decoding is permissive: a record with a
// missing or non-string ticker still decodes (and is later excluded from
// diffing), and numeric fields keep their raw text until a caller asks
// for the parsed value.
type AssetRecord struct {
	Ticker string
	Name   string

	epoch       string
	hasEpoch    bool
	capacity    string
	hasCapacity bool
	utilization string
	hasUtil     bool

	raw json.RawMessage
}

// UnmarshalJSON decodes a single feed record. Records that are not JSON
// objects decode to the zero record and are filtered out by the diff
// engine via their empty ticker.
func (r *AssetRecord) UnmarshalJSON(data []byte) error {
	*r = AssetRecord{raw: append(json.RawMessage(nil), bytes.TrimSpace(data)...)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	if v, ok := fields["asset_ticker"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			r.Ticker = s
		}
	}
	if v, ok := fields["asset_name"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			r.Name = s
		}
	}
	if v, ok := fields["epoch"]; ok {
		r.epoch = scalarText(v)
		r.hasEpoch = true
	}
	if v, ok := fields["lst_cap"]; ok && !isNull(v) {
		r.capacity = scalarText(v)
		r.hasCapacity = true
	}
	if v, ok := fields["lst_tvl"]; ok && !isNull(v) {
		r.utilization = scalarText(v)
		r.hasUtil = true
	}
	return nil
}

// MarshalJSON round-trips the original record bytes so snapshots preserve
// fields this program never looks at.
func (r AssetRecord) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}

	obj := map[string]any{}
	if r.Ticker != "" {
		obj["asset_ticker"] = r.Ticker
	}
	if r.Name != "" {
		obj["asset_name"] = r.Name
	}
	if r.hasEpoch {
		obj["epoch"] = json.RawMessage(quoteIfNeeded(r.epoch))
	}
	if r.hasCapacity {
		obj["lst_cap"] = r.capacity
	}
	if r.hasUtil {
		obj["lst_tvl"] = r.utilization
	}
	return json.Marshal(obj)
}

// DisplayName falls back to the ticker when the feed carries no name.
func (r AssetRecord) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Ticker
}

// HasEpoch reports whether the feed record carried an epoch key at all;
// presence is a tracked state transition in its own right.
func (r AssetRecord) HasEpoch() bool {
	return r.hasEpoch
}

// Epoch returns the normalized epoch token. Epochs are opaque scalars:
// strings are unquoted, anything else keeps its literal form, and two
// epochs are equal exactly when their tokens are.
func (r AssetRecord) Epoch() string {
	return r.epoch
}

// Capacity parses the lst_cap field.
func (r AssetRecord) Capacity() (decimal.Decimal, error) {
	return r.numeric("lst_cap", r.capacity, r.hasCapacity)
}

// Utilization parses the lst_tvl field.
func (r AssetRecord) Utilization() (decimal.Decimal, error) {
	return r.numeric("lst_tvl", r.utilization, r.hasUtil)
}

func (r AssetRecord) numeric(field, text string, present bool) (decimal.Decimal, error) {
	if !present {
		return decimal.Decimal{}, ErrFieldMissing
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s %q: %w", field, text, err)
	}
	return d, nil
}

func scalarText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func quoteIfNeeded(token string) []byte {
	if json.Valid([]byte(token)) {
		return []byte(token)
	}
	quoted, _ := json.Marshal(token)
	return quoted
}
