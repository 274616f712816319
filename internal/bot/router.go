package bot

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxphoton/PiggyBank/internal/dispatch"
	"github.com/maxphoton/PiggyBank/internal/feed"
	"github.com/maxphoton/PiggyBank/internal/registry"
	"github.com/maxphoton/PiggyBank/internal/snapshot"
	"github.com/maxphoton/PiggyBank/internal/telegram"
)

// Messenger is the slice of the Bot API client the router needs.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard telegram.InlineKeyboardMarkup) error
	SendPhotoWithKeyboard(ctx context.Context, chatID int64, fileID, caption string, keyboard telegram.InlineKeyboardMarkup) error
	SendDocument(ctx context.Context, chatID int64, filename string, content io.Reader, caption string) error
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error
	EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, keyboard telegram.InlineKeyboardMarkup) error
}

// Registry is the subscription store surface the router needs.
type Registry interface {
	UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) error
	ToggleSubscription(ctx context.Context, userID int64, ticker, name string) (bool, error)
	SubscriptionsOf(ctx context.Context, userID int64) map[string]struct{}
	Statistics(ctx context.Context, topLimit int) (registry.Statistics, error)
	ExportTableCSV(ctx context.Context, table string, w io.Writer) (int, error)
}

// Broadcasts controls operator broadcast runs.
type Broadcasts interface {
	Start(ctx context.Context, broadcast dispatch.Broadcast) error
	Cancel(adminID int64) bool
	Active(adminID int64) bool
}

// Options tune the router.
type Options struct {
	AdminID     int64
	AppURL      string
	PollTimeout time.Duration
	TopLimit    int
}

// Router consumes Bot API updates and drives command handling, the
// subscription keyboard and the broadcast flow.
type Router struct {
	tg         Messenger
	registry   Registry
	source     feed.Source
	snapshots  snapshot.Store
	broadcasts Broadcasts
	opts       Options
	fsm        *broadcastFSM
	logger     zerolog.Logger
}

// New constructs the update router.
func New(tg Messenger, reg Registry, source feed.Source, snapshots snapshot.Store, broadcasts Broadcasts, opts Options, logger zerolog.Logger) *Router {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.TopLimit <= 0 {
		opts.TopLimit = 10
	}
	return &Router{
		tg:         tg,
		registry:   reg,
		source:     source,
		snapshots:  snapshots,
		broadcasts: broadcasts,
		opts:       opts,
		fsm:        newBroadcastFSM(),
		logger:     logger.With().Str("component", "bot").Logger(),
	}
}

// Run long-polls for updates until ctx is cancelled. Poll failures are
// logged and retried after a short pause.
func (r *Router) Run(ctx context.Context) error {
	var offset int64

	for {
		updates, err := r.tg.GetUpdates(ctx, offset, r.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn().Err(err).Msg("getUpdates failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			r.handleUpdate(ctx, update)
		}
	}
}

func (r *Router) handleUpdate(ctx context.Context, update telegram.Update) {
	switch {
	case update.Message != nil:
		r.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		r.handleCallback(ctx, update.CallbackQuery)
	}
}

func (r *Router) handleMessage(ctx context.Context, msg *telegram.Message) {
	if msg.From == nil {
		return
	}

	// A message from the admin mid-flow is broadcast content, not a command.
	if r.isAdmin(msg.From.ID) && r.fsm.stateOf(msg.From.ID) == stateWaitingMessage && !isCommand(msg.Text) {
		r.handleBroadcastContent(ctx, msg)
		return
	}

	switch command(msg.Text) {
	case "/start":
		r.handleStart(ctx, msg)
	case "/demo":
		r.handleDemo(ctx, msg)
	case "/get_data":
		r.handleGetData(ctx, msg)
	case "/broadcast":
		r.handleBroadcast(ctx, msg)
	case "/cancel_broadcast":
		r.handleCancelBroadcast(ctx, msg)
	}
}

func (r *Router) handleCallback(ctx context.Context, query *telegram.CallbackQuery) {
	if query.From == nil {
		return
	}

	switch {
	case strings.HasPrefix(query.Data, "toggle_"):
		r.handleToggle(ctx, query, strings.TrimPrefix(query.Data, "toggle_"))
	case query.Data == "broadcast_confirm":
		r.handleBroadcastConfirm(ctx, query)
	case query.Data == "broadcast_cancel":
		r.handleBroadcastCancel(ctx, query)
	}
}

func (r *Router) isAdmin(userID int64) bool {
	return r.opts.AdminID != 0 && userID == r.opts.AdminID
}

// command extracts the leading bot command, stripping any @botname suffix.
func command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return cmd
}

func isCommand(text string) bool {
	return command(text) != ""
}
