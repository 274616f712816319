package bot

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/maxphoton/PiggyBank/internal/diff"
	"github.com/maxphoton/PiggyBank/internal/dispatch"
	"github.com/maxphoton/PiggyBank/internal/feed"
	"github.com/maxphoton/PiggyBank/internal/registry"
	"github.com/maxphoton/PiggyBank/internal/telegram"
)

var exportTables = []string{"users", "user_subscriptions"}

func (r *Router) handleStart(ctx context.Context, msg *telegram.Message) {
	from := msg.From
	if err := r.registry.UpsertUser(ctx, from.ID, from.Username, from.FirstName, from.LastName); err != nil {
		r.logger.Error().Err(err).Int64("user_id", from.ID).Msg("cannot save user")
	}

	assets, err := r.source.Fetch(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("cannot fetch assets for /start")
		r.send(ctx, msg.Chat.ID, "❌ Failed to fetch data from API. Please try again later.")
		return
	}

	// Refreshing the snapshot here keeps the monitor's baseline current.
	if err := r.snapshots.Save(ctx, assets); err != nil {
		r.logger.Warn().Err(err).Msg("cannot refresh snapshot from /start")
	}

	withEpoch := epochAssets(assets)
	if len(withEpoch) == 0 {
		r.send(ctx, msg.Chat.ID, "ℹ️ No assets with 'epoch' key found.")
		return
	}

	keyboard := r.subscriptionKeyboard(ctx, from.ID, withEpoch)
	text := fmt.Sprintf("📊 Select assets to receive notifications:\n\nFound assets: %d\nClick on an asset to enable/disable notifications", len(withEpoch))
	if err := r.tg.SendMessageWithKeyboard(ctx, msg.Chat.ID, text, keyboard); err != nil {
		r.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("cannot send asset keyboard")
	}
}

func (r *Router) handleToggle(ctx context.Context, query *telegram.CallbackQuery, ticker string) {
	assets, err := r.source.Fetch(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("cannot fetch assets for toggle")
		r.answer(ctx, query.ID, "❌ Failed to fetch data from API", true)
		return
	}

	withEpoch := epochAssets(assets)
	var asset *feed.AssetRecord
	for i := range withEpoch {
		if withEpoch[i].Ticker == ticker {
			asset = &withEpoch[i]
			break
		}
	}
	if asset == nil {
		r.answer(ctx, query.ID, "❌ Asset not found", true)
		return
	}

	subscribed, err := r.registry.ToggleSubscription(ctx, query.From.ID, asset.Ticker, asset.DisplayName())
	if err != nil {
		r.logger.Error().Err(err).Int64("user_id", query.From.ID).Str("ticker", ticker).Msg("cannot toggle subscription")
		r.answer(ctx, query.ID, "❌ Error saving subscription", true)
		return
	}

	if subscribed {
		r.answer(ctx, query.ID, fmt.Sprintf("✅ Notifications for %s enabled", asset.DisplayName()), false)
	} else {
		r.answer(ctx, query.ID, fmt.Sprintf("🔕 Notifications for %s disabled", asset.DisplayName()), false)
	}

	if query.Message == nil {
		return
	}
	keyboard := r.subscriptionKeyboard(ctx, query.From.ID, withEpoch)
	if err := r.tg.EditMessageReplyMarkup(ctx, query.Message.Chat.ID, query.Message.MessageID, keyboard); err != nil {
		r.logger.Warn().Err(err).Msg("cannot refresh asset keyboard")
	}
}

// subscriptionKeyboard builds one button per epoch-bearing asset, with a
// checkbox reflecting the user's current subscriptions.
func (r *Router) subscriptionKeyboard(ctx context.Context, userID int64, assets []feed.AssetRecord) telegram.InlineKeyboardMarkup {
	subscribed := r.registry.SubscriptionsOf(ctx, userID)

	rows := make([][]telegram.InlineKeyboardButton, 0, len(assets))
	for _, asset := range assets {
		checkbox := "☐"
		if _, ok := subscribed[asset.Ticker]; ok {
			checkbox = "✅"
		}
		rows = append(rows, []telegram.InlineKeyboardButton{{
			Text:         fmt.Sprintf("%s %s (%s)", checkbox, asset.DisplayName(), asset.Ticker),
			CallbackData: "toggle_" + asset.Ticker,
		}})
	}
	return telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (r *Router) handleDemo(ctx context.Context, msg *telegram.Message) {
	r.send(ctx, msg.Chat.ID, "📋 <b>Demo Mode</b>\n\nSample of every notification this bot sends:")

	for _, note := range diff.DemoNotifications(r.opts.AppURL, msg.Chat.ID) {
		text := note.Message + "\n\n<i>⚠️ This is a demo notification</i>"
		if err := r.tg.SendMessage(ctx, msg.Chat.ID, text); err != nil {
			r.logger.Warn().Err(err).Str("kind", string(note.Kind)).Msg("cannot send demo notification")
		}
	}
}

func (r *Router) handleGetData(ctx context.Context, msg *telegram.Message) {
	if !r.isAdmin(msg.From.ID) {
		return
	}

	stats, err := r.registry.Statistics(ctx, r.opts.TopLimit)
	if err != nil {
		r.logger.Error().Err(err).Msg("cannot load statistics")
		r.send(ctx, msg.Chat.ID, "❌ Failed to load statistics.")
		return
	}
	r.send(ctx, msg.Chat.ID, renderStats(stats))

	for _, table := range exportTables {
		buf := &bytes.Buffer{}
		rows, err := r.registry.ExportTableCSV(ctx, table, buf)
		if err != nil {
			r.logger.Error().Err(err).Str("table", table).Msg("cannot export table")
			r.send(ctx, msg.Chat.ID, fmt.Sprintf("❌ Failed to export table %s.", table))
			continue
		}
		caption := fmt.Sprintf("📄 %s (%d rows)", table, rows)
		if err := r.tg.SendDocument(ctx, msg.Chat.ID, table+".csv", buf, caption); err != nil {
			r.logger.Error().Err(err).Str("table", table).Msg("cannot send export")
		}
	}
}

func renderStats(stats registry.Statistics) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "📊 <b>Bot statistics</b>\n\n")
	fmt.Fprintf(b, "👥 Users: %d\n", stats.TotalUsers)
	fmt.Fprintf(b, "🔔 Users with subscriptions: %d\n", stats.UsersWithSubscriptions)
	fmt.Fprintf(b, "📎 Subscriptions: %d\n", stats.TotalSubscriptions)
	fmt.Fprintf(b, "🪙 Unique assets: %d\n", stats.UniqueAssets)

	if len(stats.TopAssets) > 0 {
		fmt.Fprintf(b, "\n🏆 Top assets:\n")
		for i, top := range stats.TopAssets {
			fmt.Fprintf(b, "%d. %s (%s): %d\n", i+1, top.Name, top.Ticker, top.Subscribers)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) send(ctx context.Context, chatID int64, text string) {
	if err := r.tg.SendMessage(ctx, chatID, text); err != nil {
		r.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("cannot send message")
	}
}

func (r *Router) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := r.tg.AnswerCallbackQuery(ctx, callbackID, text, alert); err != nil {
		r.logger.Warn().Err(err).Msg("cannot answer callback query")
	}
}

// epochAssets filters the feed down to subscribable assets.
func epochAssets(assets []feed.AssetRecord) []feed.AssetRecord {
	result := make([]feed.AssetRecord, 0, len(assets))
	for _, asset := range assets {
		if asset.Ticker == "" || !asset.HasEpoch() {
			continue
		}
		result = append(result, asset)
	}
	return result
}

func (r *Router) handleBroadcast(ctx context.Context, msg *telegram.Message) {
	if !r.isAdmin(msg.From.ID) {
		return
	}
	if r.broadcasts.Active(msg.From.ID) {
		r.send(ctx, msg.Chat.ID, "⚠️ A broadcast is already running. Use /cancel_broadcast to stop it first.")
		return
	}
	if !r.fsm.begin(msg.From.ID) {
		r.send(ctx, msg.Chat.ID, "⚠️ Broadcast composition is already in progress.")
		return
	}

	keyboard := telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{{Text: "❌ Cancel", CallbackData: "broadcast_cancel"}},
	}}
	text := "📢 <b>Broadcast</b>\n\nSend the message to broadcast: text, photo, or photo with caption."
	if err := r.tg.SendMessageWithKeyboard(ctx, msg.Chat.ID, text, keyboard); err != nil {
		r.logger.Error().Err(err).Msg("cannot prompt for broadcast content")
		r.fsm.cancel(msg.From.ID)
	}
}

func (r *Router) handleBroadcastContent(ctx context.Context, msg *telegram.Message) {
	caption := msg.Text
	if caption == "" {
		caption = msg.Caption
	}
	var photoFileID string
	if len(msg.Photo) > 0 {
		// The last rendition is the largest one.
		photoFileID = msg.Photo[len(msg.Photo)-1].FileID
	}

	if caption == "" && photoFileID == "" {
		r.send(ctx, msg.Chat.ID, "❌ Message must contain text and/or a photo.")
		return
	}
	if !r.fsm.setContent(msg.From.ID, caption, photoFileID) {
		return
	}

	keyboard := telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{
			{Text: "✅ Send", CallbackData: "broadcast_confirm"},
			{Text: "❌ Cancel", CallbackData: "broadcast_cancel"},
		},
	}}

	preview := "👀 <b>Preview</b>\n\nThis is how the broadcast will look. Send it?"
	if photoFileID != "" {
		previewCaption := caption
		if previewCaption != "" {
			previewCaption += "\n\n"
		}
		previewCaption += preview
		if err := r.tg.SendPhotoWithKeyboard(ctx, msg.Chat.ID, photoFileID, previewCaption, keyboard); err != nil {
			r.logger.Error().Err(err).Msg("cannot send broadcast preview")
		}
		return
	}
	if err := r.tg.SendMessageWithKeyboard(ctx, msg.Chat.ID, caption+"\n\n"+preview, keyboard); err != nil {
		r.logger.Error().Err(err).Msg("cannot send broadcast preview")
	}
}

func (r *Router) handleBroadcastConfirm(ctx context.Context, query *telegram.CallbackQuery) {
	if !r.isAdmin(query.From.ID) {
		r.answer(ctx, query.ID, "", false)
		return
	}

	draft, ok := r.fsm.confirm(query.From.ID)
	if !ok {
		r.answer(ctx, query.ID, "ℹ️ Nothing to confirm", false)
		return
	}

	err := r.broadcasts.Start(ctx, dispatch.Broadcast{
		AdminID:     query.From.ID,
		Caption:     draft.caption,
		PhotoFileID: draft.photoFileID,
	})
	if err != nil {
		r.answer(ctx, query.ID, "⚠️ A broadcast is already running", true)
		return
	}

	r.answer(ctx, query.ID, "", false)
	r.send(ctx, query.From.ID, "✅ Broadcast started! Use /cancel_broadcast to stop it.")
}

func (r *Router) handleBroadcastCancel(ctx context.Context, query *telegram.CallbackQuery) {
	if !r.isAdmin(query.From.ID) {
		r.answer(ctx, query.ID, "", false)
		return
	}
	r.fsm.cancel(query.From.ID)
	r.answer(ctx, query.ID, "", false)
	r.send(ctx, query.From.ID, "❌ Broadcast cancelled.")
}

func (r *Router) handleCancelBroadcast(ctx context.Context, msg *telegram.Message) {
	if !r.isAdmin(msg.From.ID) {
		return
	}

	hadDraft := r.fsm.cancel(msg.From.ID)
	switch {
	case r.broadcasts.Cancel(msg.From.ID):
		r.send(ctx, msg.Chat.ID, "⏹ Stopping broadcast, a summary will follow.")
	case hadDraft:
		r.send(ctx, msg.Chat.ID, "❌ Broadcast composition cancelled.")
	default:
		r.send(ctx, msg.Chat.ID, "ℹ️ No active broadcast.")
	}
}
