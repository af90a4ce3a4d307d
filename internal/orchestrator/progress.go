package orchestrator

import "sync"

// MessageType is the closed set of progress-stream message shapes.
type MessageType string

const (
	MsgProgress    MessageType = "progress"
	MsgChapterDone MessageType = "chapter_done"
	MsgTaskStatus  MessageType = "task_status"
)

// ProgressMessage is one entry in a task's progress stream.
type ProgressMessage struct {
	Type    MessageType `json:"type"`
	Chapter int         `json:"chapter,omitempty"`
	Total   int         `json:"total,omitempty"`
	Stats   Stats       `json:"stats,omitempty"`
	CostUSD *float64    `json:"cost_usd,omitempty"`
	Status  string      `json:"status,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Stats carries the running token/chapter counters broadcast alongside
// progress messages.
type Stats struct {
	ChaptersDone int `json:"chapters_done"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// subscriber is one listener's mailbox. Sends are non-blocking: a slow or
// absent reader drops messages rather than stalling the analysis loop,
// since the progress stream is advisory, not the system of record (the
// persisted AnalysisTask row is).
type subscriber struct {
	ch chan ProgressMessage
}

// Broadcaster fans out per-task progress messages to any number of
// subscribers, in-process only — there is no HTTP/WebSocket transport here
// (an explicit non-goal); a caller that wants a network-facing stream
// wraps Subscribe's channel itself.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string][]*subscriber // taskID -> subscribers
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[string][]*subscriber{}}
}

// Subscribe registers a new listener for taskID and returns a channel that
// receives every subsequent message, plus an unsubscribe function.
func (b *Broadcaster) Subscribe(taskID string) (<-chan ProgressMessage, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan ProgressMessage, 32)}
	b.subs[taskID] = append(b.subs[taskID], sub)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[taskID]
		for i, s := range subs {
			if s == sub {
				b.subs[taskID] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers msg to every current subscriber of taskID.
func (b *Broadcaster) Publish(taskID string, msg ProgressMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[taskID] {
		select {
		case sub.ch <- msg:
		default: // slow subscriber, drop rather than block the analysis loop
		}
	}
}
