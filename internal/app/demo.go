package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxphoton/PiggyBank/internal/diff"
)

// Demo sends one sample of every notification kind to the admin chat, so
// message formatting can be checked without waiting for a real change.
func (a *App) Demo(ctx context.Context) error {
	if a.Config.Telegram.AdminID == 0 {
		return errors.New("telegram.admin_id is required for demo")
	}

	tg := a.newTelegram()
	notes := diff.DemoNotifications(a.Config.Telegram.AppURL, a.Config.Telegram.AdminID)

	for _, note := range notes {
		text := note.Message + "\n\n<i>⚠️ This is a demo notification</i>"
		if err := tg.SendMessage(ctx, a.Config.Telegram.AdminID, text); err != nil {
			return fmt.Errorf("send %s demo: %w", note.Kind, err)
		}
		a.Logger.Info().Str("kind", string(note.Kind)).Msg("demo notification sent")
	}
	return nil
}
