package relay

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
)

// GroupState is the lifecycle state of one buffered album.
type GroupState int32

const (
	Collecting GroupState = iota
	Settling
	Dispatched
	Stale
	Discarded
)

func (s GroupState) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Settling:
		return "settling"
	case Dispatched:
		return "dispatched"
	case Stale:
		return "stale"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Part is one constituent of an album as it arrived from the source.
type Part struct {
	MessageID int
	Media     *platform.MediaItem
	Caption   string
}

// Settled is an album handed to the engine, parts ordered by message id.
type Settled struct {
	SourceChatID string
	GroupID      string
	Parts        []Part
	FirstSeen    time.Time
	Stale        bool
}

type group struct {
	chatID    string
	groupID   string
	firstSeen time.Time
	state     atomic.Int32
	timer     *time.Timer

	mu    sync.Mutex
	parts []Part
}

func (g *group) State() GroupState { return GroupState(g.state.Load()) }

func groupKey(chatID, groupID string) string { return chatID + "/" + groupID }

// Grouper buffers album constituents until their settle timer fires. The
// timer is anchored to the first constituent; later arrivals never move it.
//
// The map lock only covers lookup and creation. Each group's own state is
// advanced with a compare-and-swap, so exactly one of the timer, the stale
// sweep or an explicit Settle call dispatches it.
type Grouper struct {
	settle time.Duration
	stale  time.Duration
	now    func() time.Time
	emit   func(Settled)

	mu         sync.Mutex
	groups     map[string]*group
	tombstones map[string]time.Time
}

type GrouperOption func(*Grouper)

// WithGrouperClock overrides the clock used for ages. Timers still run on
// wall time.
func WithGrouperClock(now func() time.Time) GrouperOption {
	return func(g *Grouper) { g.now = now }
}

// NewGrouper creates a buffer that passes settled albums to emit. A
// non-positive stale threshold defaults to ten settle windows.
func NewGrouper(settle, stale time.Duration, emit func(Settled), opts ...GrouperOption) *Grouper {
	if stale <= 0 {
		stale = 10 * settle
	}
	g := &Grouper{
		settle:     settle,
		stale:      stale,
		now:        time.Now,
		emit:       emit,
		groups:     make(map[string]*group),
		tombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Add buffers one constituent. It returns false when the album was already
// dispatched or discarded and the part was dropped.
func (g *Grouper) Add(chatID, groupID string, p Part) bool {
	key := groupKey(chatID, groupID)

	g.mu.Lock()
	if _, dead := g.tombstones[key]; dead {
		g.mu.Unlock()
		logLateConstituent(chatID, groupID, p.MessageID)
		return false
	}
	grp, ok := g.groups[key]
	if !ok {
		grp = &group{
			chatID:    chatID,
			groupID:   groupID,
			firstSeen: g.now(),
			parts:     []Part{p},
		}
		g.groups[key] = grp
		grp.timer = time.AfterFunc(g.settle, func() {
			g.finish(key, grp, false, false)
		})
		g.mu.Unlock()
		logger.DebugCF("relay", "Album buffering started", map[string]any{
			"chat":     chatID,
			"group_id": groupID,
		})
		return true
	}
	g.mu.Unlock()

	grp.mu.Lock()
	defer grp.mu.Unlock()
	if grp.State() != Collecting {
		logLateConstituent(chatID, groupID, p.MessageID)
		return false
	}
	grp.parts = append(grp.parts, p)
	return true
}

// Settle dispatches the album now instead of waiting for its timer. It is a
// no-op returning false when the album is not buffered.
func (g *Grouper) Settle(chatID, groupID string) bool {
	key := groupKey(chatID, groupID)
	g.mu.Lock()
	grp, ok := g.groups[key]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.finish(key, grp, false, true)
}

// Sweep flushes albums older than the stale threshold and forgets
// tombstones of the same age. It returns how many albums were flushed.
func (g *Grouper) Sweep() int {
	now := g.now()

	g.mu.Lock()
	var expired []*group
	for _, grp := range g.groups {
		if now.Sub(grp.firstSeen) > g.stale {
			expired = append(expired, grp)
		}
	}
	for key, at := range g.tombstones {
		if now.Sub(at) > g.stale {
			delete(g.tombstones, key)
		}
	}
	g.mu.Unlock()

	flushed := 0
	for _, grp := range expired {
		if g.finish(groupKey(grp.chatID, grp.groupID), grp, true, true) {
			flushed++
		}
	}
	return flushed
}

// Run sweeps every interval until ctx is done.
func (g *Grouper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				logger.WarnCF("relay", "Flushed stale albums", map[string]any{"count": n})
			}
		}
	}
}

// Pending returns how many albums are buffered.
func (g *Grouper) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups)
}

// finish moves grp out of Collecting and emits it. stopTimer must be false
// when called from the group's own timer.
func (g *Grouper) finish(key string, grp *group, stale, stopTimer bool) bool {
	next, final := Settling, Dispatched
	if stale {
		next, final = Stale, Discarded
	}
	if !grp.state.CompareAndSwap(int32(Collecting), int32(next)) {
		return false
	}
	if stopTimer {
		grp.timer.Stop()
	}

	grp.mu.Lock()
	parts := slices.Clone(grp.parts)
	grp.mu.Unlock()
	slices.SortFunc(parts, func(a, b Part) int { return cmp.Compare(a.MessageID, b.MessageID) })

	g.mu.Lock()
	delete(g.groups, key)
	g.tombstones[key] = g.now()
	g.mu.Unlock()

	if stale {
		logger.WarnCF("relay", "Album went stale before settling, flushing", map[string]any{
			"chat":     grp.chatID,
			"group_id": grp.groupID,
			"parts":    len(parts),
		})
	}

	g.emit(Settled{
		SourceChatID: grp.chatID,
		GroupID:      grp.groupID,
		Parts:        parts,
		FirstSeen:    grp.firstSeen,
		Stale:        stale,
	})
	grp.state.Store(int32(final))
	return true
}

func logLateConstituent(chatID, groupID string, messageID int) {
	logger.WarnCF("relay", "Dropping late album constituent", map[string]any{
		"chat":       chatID,
		"group_id":   groupID,
		"message_id": messageID,
	})
}
