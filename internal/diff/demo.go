package diff

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/maxphoton/PiggyBank/internal/feed"
)

// Synthetic before/after snapshots covering every detection rule once.
const (
	demoSavedJSON = `[
        {"asset_ticker":"USDC","asset_name":"Circle USD","epoch":34,"lst_cap":"100000","lst_tvl":"99998"},
        {"asset_ticker":"USDT","asset_name":"Tether USD","epoch":12,"lst_cap":"50000","lst_tvl":"25000"}
    ]`
	demoCurrentJSON = `[
        {"asset_ticker":"USDC","asset_name":"Circle USD","epoch":35,"lst_cap":"100000","lst_tvl":"99950"},
        {"asset_ticker":"USDT","asset_name":"Tether USD","epoch":12,"lst_cap":"60000","lst_tvl":"25000"},
        {"asset_ticker":"DAI","asset_name":"Dai Stablecoin","epoch":1,"lst_cap":"20000","lst_tvl":"0"}
    ]`
)

type demoDirectory struct {
	recipient int64
}

func (d demoDirectory) AllUserIDs(context.Context) []int64 { return []int64{d.recipient} }
func (d demoDirectory) SubscribersOf(context.Context, string) []int64 { return []int64{d.recipient} }

// DemoNotifications runs the engine over synthetic snapshots so every
// notification kind is produced once, addressed to the given recipient.
func DemoNotifications(appURL string, recipient int64) []Notification {
	saved := mustDemoRecords(demoSavedJSON)
	current := mustDemoRecords(demoCurrentJSON)

	engine := NewEngine(demoDirectory{recipient: recipient}, Options{AppURL: appURL}, zerolog.Nop())
	return engine.Detect(context.Background(), current, saved)
}

func mustDemoRecords(payload string) []feed.AssetRecord {
	var records []feed.AssetRecord
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		panic("diff: invalid demo fixture: " + err.Error())
	}
	return records
}
