package bot

import "sync"

// broadcastState tags the admin's position in the broadcast flow.
type broadcastState int

const (
	stateIdle broadcastState = iota
	// stateWaitingMessage: /broadcast received, waiting for content.
	stateWaitingMessage
	// statePreview: content captured, waiting for confirm or cancel.
	statePreview
)

func (s broadcastState) String() string {
	switch s {
	case stateWaitingMessage:
		return "waiting_message"
	case statePreview:
		return "preview"
	default:
		return "idle"
	}
}

// broadcastDraft holds the content composed so far.
type broadcastDraft struct {
	state       broadcastState
	caption     string
	photoFileID string
}

// broadcastFSM guards the broadcast composition flow per admin. Every
// transition checks the current state, so a stray confirm press or a
// repeated /broadcast cannot corrupt a draft in progress.
type broadcastFSM struct {
	mu     sync.Mutex
	drafts map[int64]*broadcastDraft
}

func newBroadcastFSM() *broadcastFSM {
	return &broadcastFSM{drafts: make(map[int64]*broadcastDraft)}
}

func (f *broadcastFSM) stateOf(adminID int64) broadcastState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if draft, ok := f.drafts[adminID]; ok {
		return draft.state
	}
	return stateIdle
}

// begin starts a new draft. Only valid from idle.
func (f *broadcastFSM) begin(adminID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if draft, ok := f.drafts[adminID]; ok && draft.state != stateIdle {
		return false
	}
	f.drafts[adminID] = &broadcastDraft{state: stateWaitingMessage}
	return true
}

// setContent captures the composed message. Only valid from waiting_message.
func (f *broadcastFSM) setContent(adminID int64, caption, photoFileID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	draft, ok := f.drafts[adminID]
	if !ok || draft.state != stateWaitingMessage {
		return false
	}
	draft.caption = caption
	draft.photoFileID = photoFileID
	draft.state = statePreview
	return true
}

// confirm finalises the draft and resets the flow. Only valid from preview.
func (f *broadcastFSM) confirm(adminID int64) (broadcastDraft, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	draft, ok := f.drafts[adminID]
	if !ok || draft.state != statePreview {
		return broadcastDraft{}, false
	}
	delete(f.drafts, adminID)
	return *draft, true
}

// cancel aborts the flow from any state. It reports whether a draft existed.
func (f *broadcastFSM) cancel(adminID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.drafts[adminID]
	delete(f.drafts, adminID)
	return ok
}
