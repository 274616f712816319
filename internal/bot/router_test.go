package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxphoton/PiggyBank/internal/dispatch"
	"github.com/maxphoton/PiggyBank/internal/feed"
	"github.com/maxphoton/PiggyBank/internal/registry"
	"github.com/maxphoton/PiggyBank/internal/telegram"
)

const adminID = int64(1000)

type fakeMessenger struct {
	messages  []string
	keyboards []telegram.InlineKeyboardMarkup
	photos    []string
	documents []string
	answers   []string
	edits     int
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.messages = append(m.messages, text)
	return nil
}

func (m *fakeMessenger) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard telegram.InlineKeyboardMarkup) error {
	m.messages = append(m.messages, text)
	m.keyboards = append(m.keyboards, keyboard)
	return nil
}

func (m *fakeMessenger) SendPhotoWithKeyboard(ctx context.Context, chatID int64, fileID, caption string, keyboard telegram.InlineKeyboardMarkup) error {
	m.photos = append(m.photos, fileID)
	m.keyboards = append(m.keyboards, keyboard)
	return nil
}

func (m *fakeMessenger) SendDocument(ctx context.Context, chatID int64, filename string, content io.Reader, caption string) error {
	m.documents = append(m.documents, filename)
	return nil
}

func (m *fakeMessenger) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error) {
	return nil, nil
}

func (m *fakeMessenger) AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error {
	m.answers = append(m.answers, text)
	return nil
}

func (m *fakeMessenger) EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, keyboard telegram.InlineKeyboardMarkup) error {
	m.edits++
	m.keyboards = append(m.keyboards, keyboard)
	return nil
}

type fakeRegistry struct {
	users         []int64
	subscriptions map[int64]map[string]struct{}
	toggleErr     error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{subscriptions: map[int64]map[string]struct{}{}}
}

func (r *fakeRegistry) UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) error {
	r.users = append(r.users, userID)
	return nil
}

func (r *fakeRegistry) ToggleSubscription(ctx context.Context, userID int64, ticker, name string) (bool, error) {
	if r.toggleErr != nil {
		return false, r.toggleErr
	}
	subs := r.subscriptions[userID]
	if subs == nil {
		subs = map[string]struct{}{}
		r.subscriptions[userID] = subs
	}
	if _, ok := subs[ticker]; ok {
		delete(subs, ticker)
		return false, nil
	}
	subs[ticker] = struct{}{}
	return true, nil
}

func (r *fakeRegistry) SubscriptionsOf(ctx context.Context, userID int64) map[string]struct{} {
	return r.subscriptions[userID]
}

func (r *fakeRegistry) Statistics(ctx context.Context, topLimit int) (registry.Statistics, error) {
	return registry.Statistics{
		TotalUsers:         3,
		TotalSubscriptions: 5,
		TopAssets:          []registry.TopAsset{{Ticker: "USDC", Name: "Circle USD", Subscribers: 2}},
	}, nil
}

func (r *fakeRegistry) ExportTableCSV(ctx context.Context, table string, w io.Writer) (int, error) {
	fmt.Fprintf(w, "header\nrow\n")
	return 1, nil
}

type staticSource struct {
	records []feed.AssetRecord
	err     error
}

func (s *staticSource) Fetch(ctx context.Context) ([]feed.AssetRecord, error) {
	return s.records, s.err
}

type memorySnapshot struct {
	saved []feed.AssetRecord
}

func (m *memorySnapshot) Load(ctx context.Context) ([]feed.AssetRecord, error) { return m.saved, nil }
func (m *memorySnapshot) Save(ctx context.Context, records []feed.AssetRecord) error {
	m.saved = records
	return nil
}

type fakeBroadcasts struct {
	started   []dispatch.Broadcast
	active    bool
	cancelled int
}

func (b *fakeBroadcasts) Start(ctx context.Context, broadcast dispatch.Broadcast) error {
	if b.active {
		return dispatch.ErrBroadcastActive
	}
	b.started = append(b.started, broadcast)
	return nil
}

func (b *fakeBroadcasts) Cancel(adminID int64) bool {
	if !b.active {
		return false
	}
	b.cancelled++
	return true
}

func (b *fakeBroadcasts) Active(adminID int64) bool { return b.active }

func feedRecords(t *testing.T, payload string) []feed.AssetRecord {
	t.Helper()
	var records []feed.AssetRecord
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		t.Fatalf("解析测试数据失败: %v", err)
	}
	return records
}

func newTestRouter(t *testing.T, source feed.Source) (*Router, *fakeMessenger, *fakeRegistry, *fakeBroadcasts) {
	t.Helper()
	tg := &fakeMessenger{}
	reg := newFakeRegistry()
	broadcasts := &fakeBroadcasts{}
	router := New(tg, reg, source, &memorySnapshot{}, broadcasts, Options{
		AdminID:     adminID,
		AppURL:      "https://app.piggybank.fi/",
		PollTimeout: time.Second,
		TopLimit:    5,
	}, zerolog.Nop())
	return router, tg, reg, broadcasts
}

func userMessage(userID int64, text string) *telegram.Message {
	return &telegram.Message{
		MessageID: 1,
		From:      &telegram.User{ID: userID, Username: "alice"},
		Chat:      telegram.Chat{ID: userID},
		Text:      text,
	}
}

func TestStartBuildsKeyboard(t *testing.T) {
	source := &staticSource{records: feedRecords(t, `[
        {"asset_ticker":"USDC","asset_name":"Circle USD","epoch":1},
        {"asset_ticker":"NOEPOCH","asset_name":"Skip Me"},
        {"asset_ticker":"DAI","epoch":2}
    ]`)}
	router, tg, reg, _ := newTestRouter(t, source)
	reg.subscriptions[7] = map[string]struct{}{"DAI": {}}

	router.handleMessage(context.Background(), userMessage(7, "/start"))

	if len(reg.users) != 1 || reg.users[0] != 7 {
		t.Fatalf("/start 应登记用户: %v", reg.users)
	}
	if len(tg.keyboards) != 1 {
		t.Fatalf("应发送一个键盘: %d", len(tg.keyboards))
	}
	rows := tg.keyboards[0].InlineKeyboard
	if len(rows) != 2 {
		t.Fatalf("仅带 epoch 的资产应出现在键盘上: %+v", rows)
	}
	if !strings.HasPrefix(rows[0][0].Text, "☐") || rows[0][0].CallbackData != "toggle_USDC" {
		t.Fatalf("未订阅资产应显示空复选框: %+v", rows[0][0])
	}
	if !strings.HasPrefix(rows[1][0].Text, "✅") {
		t.Fatalf("已订阅资产应显示选中: %+v", rows[1][0])
	}
	if !strings.Contains(tg.messages[0], "Found assets: 2") {
		t.Fatalf("消息应包含资产数量: %s", tg.messages[0])
	}
}

func TestStartFetchFailure(t *testing.T) {
	router, tg, _, _ := newTestRouter(t, &staticSource{err: fmt.Errorf("api down")})

	router.handleMessage(context.Background(), userMessage(7, "/start"))

	if len(tg.messages) != 1 || !strings.Contains(tg.messages[0], "❌ Failed to fetch data") {
		t.Fatalf("拉取失败应提示用户: %v", tg.messages)
	}
}

func TestStartNoEpochAssets(t *testing.T) {
	source := &staticSource{records: feedRecords(t, `[{"asset_ticker":"X"}]`)}
	router, tg, _, _ := newTestRouter(t, source)

	router.handleMessage(context.Background(), userMessage(7, "/start"))

	if len(tg.messages) != 1 || !strings.Contains(tg.messages[0], "No assets with 'epoch' key") {
		t.Fatalf("无可订阅资产应提示: %v", tg.messages)
	}
}

func TestToggleSubscription(t *testing.T) {
	source := &staticSource{records: feedRecords(t, `[{"asset_ticker":"USDC","asset_name":"Circle USD","epoch":1}]`)}
	router, tg, reg, _ := newTestRouter(t, source)

	query := &telegram.CallbackQuery{
		ID:      "cb1",
		From:    &telegram.User{ID: 7},
		Message: &telegram.Message{MessageID: 5, Chat: telegram.Chat{ID: 7}},
		Data:    "toggle_USDC",
	}
	router.handleCallback(context.Background(), query)

	if _, ok := reg.subscriptions[7]["USDC"]; !ok {
		t.Fatal("回调应创建订阅")
	}
	if len(tg.answers) != 1 || !strings.Contains(tg.answers[0], "enabled") {
		t.Fatalf("应确认订阅开启: %v", tg.answers)
	}
	if tg.edits != 1 {
		t.Fatal("应刷新键盘")
	}

	// 再次点击取消订阅
	router.handleCallback(context.Background(), query)
	if _, ok := reg.subscriptions[7]["USDC"]; ok {
		t.Fatal("再次点击应取消订阅")
	}
	if !strings.Contains(tg.answers[1], "disabled") {
		t.Fatalf("应确认订阅关闭: %v", tg.answers)
	}
}

func TestToggleUnknownAsset(t *testing.T) {
	source := &staticSource{records: feedRecords(t, `[{"asset_ticker":"USDC","epoch":1}]`)}
	router, tg, _, _ := newTestRouter(t, source)

	query := &telegram.CallbackQuery{ID: "cb1", From: &telegram.User{ID: 7}, Data: "toggle_GONE"}
	router.handleCallback(context.Background(), query)

	if len(tg.answers) != 1 || !strings.Contains(tg.answers[0], "not found") {
		t.Fatalf("未知资产应提示: %v", tg.answers)
	}
}

func TestGetDataAdminOnly(t *testing.T) {
	source := &staticSource{}
	router, tg, _, _ := newTestRouter(t, source)

	router.handleMessage(context.Background(), userMessage(7, "/get_data"))
	if len(tg.messages) != 0 {
		t.Fatalf("非管理员不应得到响应: %v", tg.messages)
	}

	router.handleMessage(context.Background(), userMessage(adminID, "/get_data"))
	if len(tg.messages) != 1 || !strings.Contains(tg.messages[0], "Bot statistics") {
		t.Fatalf("管理员应收到统计: %v", tg.messages)
	}
	if len(tg.documents) != 2 {
		t.Fatalf("应导出两张表: %v", tg.documents)
	}
}

func TestBroadcastFlow(t *testing.T) {
	source := &staticSource{}
	router, tg, _, broadcasts := newTestRouter(t, source)
	ctx := context.Background()

	router.handleMessage(ctx, userMessage(adminID, "/broadcast"))
	if router.fsm.stateOf(adminID) != stateWaitingMessage {
		t.Fatalf("/broadcast 后应等待内容, 实际 %s", router.fsm.stateOf(adminID))
	}

	router.handleMessage(ctx, userMessage(adminID, "Hello subscribers!"))
	if router.fsm.stateOf(adminID) != statePreview {
		t.Fatalf("提交内容后应进入 preview, 实际 %s", router.fsm.stateOf(adminID))
	}

	confirm := &telegram.CallbackQuery{ID: "cb1", From: &telegram.User{ID: adminID}, Data: "broadcast_confirm"}
	router.handleCallback(ctx, confirm)

	if len(broadcasts.started) != 1 {
		t.Fatalf("confirm 应启动广播: %+v", broadcasts.started)
	}
	if broadcasts.started[0].Caption != "Hello subscribers!" {
		t.Fatalf("广播内容错误: %+v", broadcasts.started[0])
	}
	if router.fsm.stateOf(adminID) != stateIdle {
		t.Fatal("confirm 后状态应复位")
	}

	found := false
	for _, msg := range tg.messages {
		if strings.Contains(msg, "Broadcast started") {
			found = true
		}
	}
	if !found {
		t.Fatalf("应确认广播已启动: %v", tg.messages)
	}
}

func TestBroadcastContentWithPhoto(t *testing.T) {
	source := &staticSource{}
	router, tg, _, broadcasts := newTestRouter(t, source)
	ctx := context.Background()

	router.handleMessage(ctx, userMessage(adminID, "/broadcast"))

	photoMsg := &telegram.Message{
		MessageID: 2,
		From:      &telegram.User{ID: adminID},
		Chat:      telegram.Chat{ID: adminID},
		Caption:   "with picture",
		Photo:     []telegram.PhotoSize{{FileID: "small"}, {FileID: "large"}},
	}
	router.handleMessage(ctx, photoMsg)

	if len(tg.photos) != 1 || tg.photos[0] != "large" {
		t.Fatalf("预览应使用最大尺寸图片: %v", tg.photos)
	}

	router.handleCallback(ctx, &telegram.CallbackQuery{ID: "cb", From: &telegram.User{ID: adminID}, Data: "broadcast_confirm"})
	if len(broadcasts.started) != 1 || broadcasts.started[0].PhotoFileID != "large" {
		t.Fatalf("广播应携带图片: %+v", broadcasts.started)
	}
}

func TestBroadcastEmptyContentRejected(t *testing.T) {
	source := &staticSource{}
	router, tg, _, _ := newTestRouter(t, source)
	ctx := context.Background()

	router.handleMessage(ctx, userMessage(adminID, "/broadcast"))

	empty := &telegram.Message{MessageID: 2, From: &telegram.User{ID: adminID}, Chat: telegram.Chat{ID: adminID}}
	router.handleMessage(ctx, empty)

	if router.fsm.stateOf(adminID) != stateWaitingMessage {
		t.Fatal("空内容不应推进状态")
	}
	rejected := false
	for _, msg := range tg.messages {
		if strings.Contains(msg, "must contain text and/or a photo") {
			rejected = true
		}
	}
	if !rejected {
		t.Fatalf("应提示内容为空: %v", tg.messages)
	}
}

func TestBroadcastNonAdminIgnored(t *testing.T) {
	source := &staticSource{}
	router, _, _, broadcasts := newTestRouter(t, source)

	router.handleMessage(context.Background(), userMessage(7, "/broadcast"))
	if router.fsm.stateOf(7) != stateIdle {
		t.Fatal("非管理员不应进入广播流程")
	}
	if len(broadcasts.started) != 0 {
		t.Fatal("非管理员不应触发广播")
	}
}

func TestCancelBroadcastCommand(t *testing.T) {
	source := &staticSource{}
	router, tg, _, broadcasts := newTestRouter(t, source)
	ctx := context.Background()

	// 没有任何广播
	router.handleMessage(ctx, userMessage(adminID, "/cancel_broadcast"))
	if !strings.Contains(tg.messages[len(tg.messages)-1], "No active broadcast") {
		t.Fatalf("无广播时应提示: %v", tg.messages)
	}

	// 取消进行中的广播
	broadcasts.active = true
	router.handleMessage(ctx, userMessage(adminID, "/cancel_broadcast"))
	if broadcasts.cancelled != 1 {
		t.Fatal("应调用广播取消")
	}
}

func TestCommandParsing(t *testing.T) {
	cases := map[string]string{
		"/start":           "/start",
		"/start@piggy_bot": "/start",
		"/broadcast extra": "/broadcast",
		"  /demo":          "/demo",
		"hello":            "",
		"":                 "",
		"not /a command":   "",
	}
	for input, want := range cases {
		if got := command(input); got != want {
			t.Fatalf("command(%q) = %q, 期望 %q", input, got, want)
		}
	}
}
