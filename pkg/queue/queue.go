// Package queue implements the inter-agent mailbox: per-recipient FIFO
// delivery with a non-blocking drain and a blocking receive with timeout.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRecipientNotFound is returned when the destination is not a live agent.
	ErrRecipientNotFound = errors.New("queue: recipient not found")
	// ErrTimeout is returned when WaitForMessage expires without delivery.
	ErrTimeout = errors.New("queue: wait timed out")
	// ErrInvalidType is returned for message types outside the closed set.
	ErrInvalidType = errors.New("queue: invalid message type")
)

// Type tags the intent of a message.
type Type string

const (
	TypeInformation Type = "information"
	TypeQuery       Type = "query"
	TypeInstruction Type = "instruction"
)

// Valid reports whether the type belongs to the closed set.
func (t Type) Valid() bool {
	switch t {
	case TypeInformation, TypeQuery, TypeInstruction:
		return true
	}
	return false
}

// Message is immutable once created. It belongs to the recipient's mailbox
// until consumed; consumption removes queue membership only.
type Message struct {
	ID        string
	From      string
	To        string
	Content   string
	Type      Type
	CreatedAt time.Time
}

// Directory answers whether an id names a live agent. Satisfied by
// *graph.Graph.
type Directory interface {
	Live(id string) bool
}

type mailbox struct {
	msgs   []Message
	notify chan struct{} // buffered(1); a pending token means "look again"
}

// Queue routes messages between agents. All operations are safe for
// concurrent use; ordering is FIFO per recipient with no cross-sender
// guarantee beyond enqueue order.
type Queue struct {
	dir Directory

	mu    sync.Mutex
	boxes map[string]*mailbox
}

// New creates a queue that validates recipients against dir.
func New(dir Directory) *Queue {
	return &Queue{dir: dir, boxes: make(map[string]*mailbox)}
}

func (q *Queue) box(agentID string) *mailbox {
	mb, ok := q.boxes[agentID]
	if !ok {
		mb = &mailbox{notify: make(chan struct{}, 1)}
		q.boxes[agentID] = mb
	}
	return mb
}

// Send enqueues a message for toID and returns the message id. A failed send
// enqueues nothing.
func (q *Queue) Send(fromID, toID, content string, typ Type) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if strings.TrimSpace(toID) == "" || q.dir == nil || !q.dir.Live(toID) {
		return "", fmt.Errorf("%w: %s", ErrRecipientNotFound, toID)
	}

	msg := Message{
		ID:        "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		From:      fromID,
		To:        toID,
		Content:   content,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	mb := q.box(toID)
	mb.msgs = append(mb.msgs, msg)
	q.mu.Unlock()

	// Non-blocking signal; a buffered token survives until the next wait
	// iteration, so an enqueue racing a wait start is never lost.
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return msg.ID, nil
}

// DrainPending returns and removes everything currently queued for agentID,
// preserving enqueue order. Never blocks.
func (q *Queue) DrainPending(agentID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	mb, ok := q.boxes[agentID]
	if !ok || len(mb.msgs) == 0 {
		return nil
	}
	out := mb.msgs
	mb.msgs = nil
	return out
}

// Len reports how many messages are queued for agentID.
func (q *Queue) Len(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	mb, ok := q.boxes[agentID]
	if !ok {
		return 0
	}
	return len(mb.msgs)
}

// WaitForMessage blocks until one message is available for agentID, removing
// it from the queue, or fails with ErrTimeout after the given duration. The
// context cancels the wait early.
func (q *Queue) WaitForMessage(ctx context.Context, agentID string, timeout time.Duration) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		mb := q.box(agentID)
		if len(mb.msgs) > 0 {
			msg := mb.msgs[0]
			mb.msgs = mb.msgs[1:]
			q.mu.Unlock()
			return msg, nil
		}
		notify := mb.notify
		q.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return Message{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}
