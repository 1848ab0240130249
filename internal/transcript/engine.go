package transcript

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vowsmith/concierge/internal/history"
)

// FetchFunc retrieves one page of session history. Supplied by the
// assembly layer as a closure over the history client.
type FetchFunc func(ctx context.Context, sessionID string, limit, offset int) (*history.Page, error)

// Config holds engine tunables.
type Config struct {
	PageSize       int           // history window size, default 20
	TypingInterval time.Duration // typing heuristic tick, default 800ms
	QueueSize      int           // fold queue capacity, default 64
}

func (c *Config) applyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = 20
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 800 * time.Millisecond
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
}

type eventKind int

const (
	evAssistantText eventKind = iota
	evUserEcho
	evAudioStarted
	evTurnComplete
	evInterrupted
	evTransportError
	evLocalUser
	evPlaceholder
	evRemovePlaceholder
	evSessionID
	evLoadMore
	evRefresh
	evPageLoaded
	evPageFailed
)

var kindNames = map[eventKind]string{
	evAssistantText:     "assistant_text",
	evUserEcho:          "user_echo",
	evAudioStarted:      "audio_started",
	evTurnComplete:      "turn_complete",
	evInterrupted:       "interrupted",
	evTransportError:    "transport_error",
	evLocalUser:         "local_user",
	evPlaceholder:       "placeholder",
	evRemovePlaceholder: "remove_placeholder",
	evSessionID:         "session_id",
	evLoadMore:          "load_more",
	evRefresh:           "refresh",
	evPageLoaded:        "page_loaded",
	evPageFailed:        "page_failed",
}

type event struct {
	kind    eventKind
	data    string
	eventID string

	// page results
	page    *history.Page
	offset  int
	refresh bool
	err     error
}

// Engine folds events into transcript state. A single consumer
// goroutine drains the queue, which makes ordering explicit and removes
// the need for a processing lock around fold logic.
type Engine struct {
	cfg    Config
	fetch  FetchFunc
	logger *zap.Logger

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// Fold-goroutine-owned state. Never touched from outside run().
	realtime    []Message
	historical  []Message
	knownIDs    map[string]struct{}
	openIdx     int    // index into realtime of the streaming assistant message, -1 when closed
	lastSent    string // last locally sent text awaiting its server echo
	speaking    bool
	typing      bool
	sessionID   string
	offset      int
	hasMore     bool
	loading     bool
	histErr     string
	autoFetched bool

	snapMu sync.RWMutex
	snap   Snapshot

	subMu sync.Mutex
	subs  []func()
}

// NewEngine creates an engine. fetch may be nil when history is
// unavailable; pagination then stays empty.
func NewEngine(cfg Config, fetch FetchFunc, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		fetch:    fetch,
		logger:   logger,
		events:   make(chan event, cfg.QueueSize),
		knownIDs: make(map[string]struct{}),
		openIdx:  -1,
		hasMore:  true,
		done:     make(chan struct{}),
	}
}

// Start launches the fold goroutine. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(ctx)
		go e.run()
	})
}

// Close stops the fold goroutine. Idempotent.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
	})
}

// Subscribe registers a change notification, invoked from the fold
// goroutine after each applied change. Callbacks must return quickly.
func (e *Engine) Subscribe(fn func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = append(e.subs, fn)
}

// Snapshot returns the current published state.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// enqueue offers an external event to the fold queue. A full queue
// drops the event; the transport layer does not promise at-least-once
// delivery here.
func (e *Engine) enqueue(ev event) {
	select {
	case e.events <- ev:
	default:
		QueueDrops.Inc()
		e.logger.Warn("fold queue full, event dropped",
			zap.String("kind", kindNames[ev.kind]))
	}
}

// deliver sends an internal result that must not be lost (page loads
// drive the loading flag back down).
func (e *Engine) deliver(ev event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// HandleAssistantText folds one streaming assistant delta.
func (e *Engine) HandleAssistantText(data, eventID string) {
	e.enqueue(event{kind: evAssistantText, data: data, eventID: eventID})
}

// HandleUserEcho folds a server echo of recognized user input.
func (e *Engine) HandleUserEcho(data, eventID string) {
	e.enqueue(event{kind: evUserEcho, data: data, eventID: eventID})
}

// HandleAudioStarted marks assistant audio playback active.
func (e *Engine) HandleAudioStarted() { e.enqueue(event{kind: evAudioStarted}) }

// HandleTurnComplete closes the open assistant turn.
func (e *Engine) HandleTurnComplete() { e.enqueue(event{kind: evTurnComplete}) }

// HandleInterrupted closes the open assistant turn after a barge-in,
// whether user- or server-initiated. Idempotent: trailing deltas after
// an interruption start a fresh message.
func (e *Engine) HandleInterrupted() { e.enqueue(event{kind: evInterrupted}) }

// HandleTransportError clears streaming state after a transport error.
func (e *Engine) HandleTransportError() { e.enqueue(event{kind: evTransportError}) }

// AppendLocalUser appends an optimistic user message and records its
// text for echo collapsing.
func (e *Engine) AppendLocalUser(text string) {
	e.enqueue(event{kind: evLocalUser, data: text})
}

// AppendRecordingPlaceholder appends the "..." entry shown while a
// voice turn is recorded.
func (e *Engine) AppendRecordingPlaceholder() { e.enqueue(event{kind: evPlaceholder}) }

// RemoveUnconfirmedPlaceholder drops a trailing "..." entry that was
// never replaced by an echo.
func (e *Engine) RemoveUnconfirmedPlaceholder() { e.enqueue(event{kind: evRemovePlaceholder}) }

// SetSessionID records the server-assigned session id. The first time
// a session id becomes available the initial history window is fetched
// automatically.
func (e *Engine) SetSessionID(id string) { e.enqueue(event{kind: evSessionID, data: id}) }

// LoadMoreHistory fetches the next page going backwards in time.
// Ignored while a fetch is in flight or when no more history exists.
func (e *Engine) LoadMoreHistory() { e.enqueue(event{kind: evLoadMore}) }

// RefreshHistory refetches the most recent window and merges it,
// typically after a reconnect to pick up events missed during the
// outage. No-op until a session id is known.
func (e *Engine) RefreshHistory() { e.enqueue(event{kind: evRefresh}) }

func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.TypingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.events:
			e.fold(ev)
			e.publish()
		case <-ticker.C:
			t := e.openIdx >= 0
			if t != e.typing {
				e.typing = t
				e.publish()
			}
		}
	}
}

func (e *Engine) fold(ev event) {
	EventsFolded.WithLabelValues(kindNames[ev.kind]).Inc()

	switch ev.kind {
	case evAssistantText:
		e.foldAssistantText(ev.data, ev.eventID)
	case evUserEcho:
		e.foldUserEcho(ev.data, ev.eventID)
	case evAudioStarted:
		e.speaking = true
	case evTurnComplete, evInterrupted, evTransportError:
		e.closeTurn()
	case evLocalUser:
		e.closeTurn()
		e.lastSent = ev.data
		e.realtime = append(e.realtime, Message{
			ID:        uuid.NewString(),
			Sender:    SenderUser,
			Text:      ev.data,
			Timestamp: nowStamp(),
			Type:      TypeMessage,
		})
	case evPlaceholder:
		e.closeTurn()
		e.realtime = append(e.realtime, Message{
			ID:        uuid.NewString(),
			Sender:    SenderUser,
			Text:      RecordingPlaceholder,
			Timestamp: nowStamp(),
			Type:      TypeMessage,
		})
	case evRemovePlaceholder:
		if n := len(e.realtime); n > 0 {
			last := e.realtime[n-1]
			if last.Sender == SenderUser && last.Text == RecordingPlaceholder {
				e.realtime = e.realtime[:n-1]
			}
		}
	case evSessionID:
		e.sessionID = ev.data
		if !e.autoFetched && e.fetch != nil {
			e.autoFetched = true
			e.startFetch(0, false)
		}
	case evLoadMore:
		if e.loading || !e.hasMore || e.sessionID == "" || e.fetch == nil {
			return
		}
		e.startFetch(e.offset, false)
	case evRefresh:
		if e.loading || e.sessionID == "" || e.fetch == nil {
			return
		}
		e.startFetch(0, true)
	case evPageLoaded:
		e.foldPage(ev.page, ev.refresh)
	case evPageFailed:
		e.loading = false
		e.histErr = ev.err.Error()
		HistoryPages.WithLabelValues("error").Inc()
		e.logger.Warn("history fetch failed", zap.Error(ev.err))
	}
}

// foldAssistantText applies one streaming delta: appended in place to
// the open assistant message, or opening a new one.
func (e *Engine) foldAssistantText(data, eventID string) {
	if e.isDuplicate(eventID) {
		return
	}
	if e.openIdx >= 0 && e.openIdx < len(e.realtime) {
		e.realtime[e.openIdx].Text += data
		return
	}
	id := eventID
	if id == "" {
		id = uuid.NewString()
	}
	e.realtime = append(e.realtime, Message{
		ID:         id,
		Sender:     SenderAssistant,
		Text:       data,
		IsMarkdown: true,
		Timestamp:  nowStamp(),
		Type:       TypeMessage,
	})
	e.openIdx = len(e.realtime) - 1
}

// foldUserEcho reconciles the server's echo of user input against the
// optimistic local copy: an echo matching the last locally sent text is
// discarded, and an echo arriving while the recording placeholder is
// still pending overwrites the placeholder in place.
func (e *Engine) foldUserEcho(data, eventID string) {
	if e.isDuplicate(eventID) {
		return
	}
	// A user event always closes any open assistant turn.
	e.closeTurn()

	if e.lastSent != "" && echoEqual(data, e.lastSent) {
		// The optimistic entry adopts the server id, so the same event
		// arriving later through a history page dedups against it.
		if eventID != "" {
			for i := len(e.realtime) - 1; i >= 0; i-- {
				m := &e.realtime[i]
				if m.Sender == SenderUser && m.Text == e.lastSent {
					m.ID = eventID
					break
				}
			}
		}
		e.lastSent = ""
		return
	}

	if n := len(e.realtime); n > 0 {
		last := &e.realtime[n-1]
		if last.Sender == SenderUser && last.Text == RecordingPlaceholder {
			last.Text = data
			if eventID != "" {
				last.ID = eventID
			}
			return
		}
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}
	e.realtime = append(e.realtime, Message{
		ID:        id,
		Sender:    SenderUser,
		Text:      data,
		Timestamp: nowStamp(),
		Type:      TypeMessage,
	})
}

// isDuplicate reports whether a live event id already exists in the
// historical set, which is authoritative once loaded.
func (e *Engine) isDuplicate(eventID string) bool {
	if eventID == "" {
		return false
	}
	if _, ok := e.knownIDs[eventID]; ok {
		DuplicatesDropped.Inc()
		return true
	}
	return false
}

// closeTurn resets the streaming-append pointer and derived flags.
// Idempotent.
func (e *Engine) closeTurn() {
	e.openIdx = -1
	e.speaking = false
	e.typing = false
}

// startFetch launches a page fetch off the fold goroutine; the result
// is delivered back through the queue.
func (e *Engine) startFetch(offset int, refresh bool) {
	e.loading = true
	e.histErr = ""
	sessionID := e.sessionID
	limit := e.cfg.PageSize
	ctx := e.ctx

	go func() {
		page, err := e.fetch(ctx, sessionID, limit, offset)
		if err != nil {
			e.deliver(event{kind: evPageFailed, err: err})
			return
		}
		e.deliver(event{kind: evPageLoaded, page: page, offset: offset, refresh: refresh})
	}()
}

// foldPage applies a fetched page. The server returns each window
// newest-relevant-first, so the page is reversed before use; older
// pages are prepended before currently-held history so the historical
// list stays chronologically ascending.
func (e *Engine) foldPage(page *history.Page, refresh bool) {
	e.loading = false
	e.histErr = ""
	HistoryPages.WithLabelValues("success").Inc()

	msgs := make([]Message, 0, len(page.Events))
	for i := len(page.Events) - 1; i >= 0; i-- {
		if m, ok := eventToMessage(page.Events[i]); ok {
			msgs = append(msgs, m)
		}
	}

	if refresh {
		// Merge: known ids update in place, new events append. The
		// rendered view re-sorts by timestamp either way.
		for _, m := range msgs {
			if _, ok := e.knownIDs[m.ID]; ok {
				for i := range e.historical {
					if e.historical[i].ID == m.ID {
						e.historical[i] = m
						break
					}
				}
				continue
			}
			e.knownIDs[m.ID] = struct{}{}
			e.historical = append(e.historical, m)
		}
		return
	}

	for _, m := range msgs {
		e.knownIDs[m.ID] = struct{}{}
	}
	e.historical = append(msgs, e.historical...)
	e.hasMore = page.HasMore
	e.offset += e.cfg.PageSize
}

// eventToMessage converts a history event into a transcript entry.
// Unknown event types are skipped.
func eventToMessage(ev history.Event) (Message, bool) {
	switch {
	case ev.Message != nil:
		sender := SenderUser
		if ev.Message.Sender == string(SenderAssistant) {
			sender = SenderAssistant
		}
		return Message{
			ID:         ev.Message.MessageID,
			Sender:     sender,
			Text:       ev.Message.Content,
			IsMarkdown: sender == SenderAssistant,
			Timestamp:  ev.Metadata.Timestamp,
			Type:       TypeMessage,
		}, true
	case ev.Artifact != nil:
		return Message{
			ID:           ev.Artifact.ArtifactID,
			Sender:       SenderUser,
			Text:         ev.Artifact.Filename,
			Timestamp:    ev.Metadata.Timestamp,
			Type:         TypeArtifactUpload,
			ArtifactURL:  ev.Artifact.FileURL,
			ArtifactType: ev.Artifact.ContentType,
		}, true
	case ev.System != nil:
		// System events carry no server id; derive a stable one so
		// refreshed pages do not duplicate them.
		return Message{
			ID:              "sys-" + ev.Metadata.Timestamp + "-" + ev.System.EventName,
			Sender:          SenderSystem,
			Text:            ev.System.EventName,
			Timestamp:       ev.Metadata.Timestamp,
			Type:            TypeSystemEvent,
			SystemEventType: ev.System.EventName,
		}, true
	default:
		return Message{}, false
	}
}

// publish rebuilds the merged snapshot: union of historical and
// realtime, deduplicated by id last-write-wins, sorted ascending by
// timestamp.
func (e *Engine) publish() {
	merged := make([]Message, 0, len(e.historical)+len(e.realtime))
	seen := make(map[string]int, cap(merged))
	for _, list := range [][]Message{e.historical, e.realtime} {
		for _, m := range list {
			if i, ok := seen[m.ID]; ok {
				merged[i] = m
				continue
			}
			seen[m.ID] = len(merged)
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return stampLess(merged[i].Timestamp, merged[j].Timestamp)
	})

	snap := Snapshot{
		Transcript:          merged,
		SessionID:           e.sessionID,
		IsAssistantSpeaking: e.speaking,
		IsAssistantTyping:   e.typing,
		HasMoreHistory:      e.hasMore,
		IsLoadingHistory:    e.loading,
		HistoryError:        e.histErr,
	}

	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()

	e.subMu.Lock()
	subs := append([]func(){}, e.subs...)
	e.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// stampLess orders ISO-8601 timestamps, falling back to string
// comparison when either fails to parse.
func stampLess(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a < b
	}
	return ta.Before(tb)
}

// echoEqual compares a server echo against the locally sent original.
// The server may normalize whitespace, so comparison collapses Unicode
// whitespace runs. Provisional until the protocol echoes client ids.
func echoEqual(echo, sent string) bool {
	return strings.Join(strings.Fields(echo), " ") == strings.Join(strings.Fields(sent), " ")
}
