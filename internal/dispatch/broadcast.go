package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBroadcastActive indicates the admin already has a broadcast running.
var ErrBroadcastActive = errors.New("dispatch: broadcast already active for this admin")

// BroadcastSender covers the transports a manual broadcast may use.
type BroadcastSender interface {
	Sender
	SendPhoto(ctx context.Context, chatID int64, fileID, caption string) error
	SendDocument(ctx context.Context, chatID int64, filename string, content io.Reader, caption string) error
}

// UserDirectory enumerates broadcast recipients.
type UserDirectory interface {
	AllUserIDs(ctx context.Context) []int64
}

// Broadcast describes one operator-composed message.
type Broadcast struct {
	AdminID     int64
	Caption     string
	PhotoFileID string
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns in-flight operator broadcasts, keyed by admin id. At most
// one broadcast per admin runs at a time; a running one can be cancelled
// out of band and still reports partial counts.
type Manager struct {
	dispatcher *Dispatcher
	sender     BroadcastSender
	users      UserDirectory
	logDir     string
	logger     zerolog.Logger

	mu     sync.Mutex
	active map[int64]*run
}

// NewManager constructs a broadcast manager.
func NewManager(dispatcher *Dispatcher, sender BroadcastSender, users UserDirectory, logDir string, logger zerolog.Logger) *Manager {
	return &Manager{
		dispatcher: dispatcher,
		sender:     sender,
		users:      users,
		logDir:     logDir,
		logger:     logger.With().Str("component", "broadcast").Logger(),
	}
}

// Start launches the broadcast in the background. It refuses when the
// admin already has one in flight.
func (m *Manager) Start(ctx context.Context, broadcast Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		m.active = make(map[int64]*run)
	}
	if _, exists := m.active[broadcast.AdminID]; exists {
		return ErrBroadcastActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.active[broadcast.AdminID] = r

	m.logger.Info().Int64("admin_id", broadcast.AdminID).Msg("broadcast started")
	go m.execute(runCtx, broadcast, r)
	return nil
}

// Cancel requests the admin's running broadcast to stop after its current
// recipient. It reports whether a broadcast was in flight.
func (m *Manager) Cancel(adminID int64) bool {
	m.mu.Lock()
	r, exists := m.active[adminID]
	m.mu.Unlock()

	if !exists {
		return false
	}
	m.logger.Info().Int64("admin_id", adminID).Msg("broadcast cancellation requested")
	r.cancel()
	return true
}

// Active reports whether the admin has a broadcast in flight.
func (m *Manager) Active(adminID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.active[adminID]
	return exists
}

// Wait blocks until every in-flight broadcast finished.
func (m *Manager) Wait() {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.active))
	for _, r := range m.active {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	for _, r := range runs {
		<-r.done
	}
}

func (m *Manager) execute(ctx context.Context, broadcast Broadcast, r *run) {
	defer func() {
		r.cancel()
		m.mu.Lock()
		delete(m.active, broadcast.AdminID)
		m.mu.Unlock()
		close(r.done)
	}()

	recipients := m.users.AllUserIDs(ctx)

	logFile, logPath := m.openLog(broadcast, len(recipients))
	if logFile != nil {
		defer logFile.Close()
	}

	send := func(ctx context.Context, recipient int64) error {
		if broadcast.PhotoFileID != "" {
			return m.sender.SendPhoto(ctx, recipient, broadcast.PhotoFileID, broadcast.Caption)
		}
		return m.sender.SendMessage(ctx, recipient, broadcast.Caption)
	}

	result := m.dispatcher.DeliverFunc(ctx, recipients, send, func(recipient int64, err error) {
		if logFile == nil {
			return
		}
		if err != nil {
			fmt.Fprintf(logFile, "User %d: FAILED - %v\n", recipient, err)
			return
		}
		fmt.Fprintf(logFile, "User %d: SUCCESS\n", recipient)
	})

	if logFile != nil {
		fmt.Fprintf(logFile, "\nSummary:\nSuccessful: %d\nFailed: %d\n", result.Sent, result.Failed)
	}

	cancelled := ctx.Err() != nil
	m.logger.Info().Int64("admin_id", broadcast.AdminID).
		Int("sent", result.Sent).Int("failed", result.Failed).Bool("cancelled", cancelled).
		Msg("broadcast finished")

	m.report(broadcast.AdminID, len(recipients), result, cancelled, logPath)
}

func (m *Manager) openLog(broadcast Broadcast, recipients int) (*os.File, string) {
	if m.logDir == "" {
		return nil, ""
	}
	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		m.logger.Warn().Err(err).Msg("cannot create broadcast log dir")
		return nil, ""
	}

	path := filepath.Join(m.logDir, fmt.Sprintf("broadcast_%s.log", time.Now().Format("20060102_150405")))
	file, err := os.Create(path)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("cannot create broadcast log")
		return nil, ""
	}

	fmt.Fprintf(file, "Broadcast at %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(file, "Admin ID: %d\n", broadcast.AdminID)
	if broadcast.PhotoFileID != "" {
		fmt.Fprintf(file, "Photo file_id: %s\n", broadcast.PhotoFileID)
	}
	fmt.Fprintf(file, "Caption:\n%s\n", broadcast.Caption)
	fmt.Fprintf(file, "Recipients: %d\n\n", recipients)
	return file, path
}

func (m *Manager) report(adminID int64, recipients int, result Result, cancelled bool, logPath string) {
	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var text string
	if cancelled {
		text = fmt.Sprintf("❗️ Broadcast was stopped.\n\n✅ Sent: %d\n❌ Failed: %d", result.Sent, result.Failed)
	} else {
		text = fmt.Sprintf("✅ Broadcast finished!\n\nRecipients: %d\nSent: %d\nFailed: %d", recipients, result.Sent, result.Failed)
	}

	if err := m.sender.SendMessage(reportCtx, adminID, text); err != nil {
		m.logger.Error().Err(err).Int64("admin_id", adminID).Msg("cannot report broadcast result")
		return
	}

	if logPath == "" {
		return
	}
	file, err := os.Open(logPath)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", logPath).Msg("cannot reopen broadcast log")
		return
	}
	defer file.Close()
	if err := m.sender.SendDocument(reportCtx, adminID, filepath.Base(logPath), file, "📄 Broadcast log"); err != nil {
		m.logger.Warn().Err(err).Int64("admin_id", adminID).Msg("cannot send broadcast log")
	}
}
