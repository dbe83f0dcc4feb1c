package relay

import (
	"container/list"
	"sync"
)

const sentIndexCap = 10000

// SentMessageIndex maps outbound Message-IDs to the agent that sent
// them, for reply-threading resolution. Bounded FIFO: when the cap is
// exceeded the oldest entry is evicted.
type SentMessageIndex struct {
	mu      sync.Mutex
	byID    map[string]*list.Element
	order   *list.List // front = oldest
	maxSize int
}

type sentEntry struct {
	messageID string
	agent     string
}

func NewSentMessageIndex() *SentMessageIndex {
	return &SentMessageIndex{
		byID:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: sentIndexCap,
	}
}

// Add records messageID as sent by agent, evicting the oldest entry
// once the index is full. Re-adding an id refreshes its position.
func (x *SentMessageIndex) Add(messageID, agent string) {
	id := canonicalID(messageID)
	x.mu.Lock()
	defer x.mu.Unlock()

	if el, ok := x.byID[id]; ok {
		el.Value.(*sentEntry).agent = agent
		x.order.MoveToBack(el)
		return
	}

	x.byID[id] = x.order.PushBack(&sentEntry{messageID: id, agent: agent})
	if x.order.Len() > x.maxSize {
		oldest := x.order.Front()
		x.order.Remove(oldest)
		delete(x.byID, oldest.Value.(*sentEntry).messageID)
	}
}

// Lookup returns the agent that sent messageID, if still indexed.
func (x *SentMessageIndex) Lookup(messageID string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	el, ok := x.byID[canonicalID(messageID)]
	if !ok {
		return "", false
	}
	return el.Value.(*sentEntry).agent, true
}

func (x *SentMessageIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.order.Len()
}
