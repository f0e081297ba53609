package pipeline

import (
	"sync"

	"github.com/cobaltsec/cobaltgraph/consensus"
)

// ItemKind tags entries on the dashboard feed.
type ItemKind string

const (
	KindAssessment ItemKind = "assessment"
	KindCounters   ItemKind = "counters"
	KindHealth     ItemKind = "health"
)

// Health is the component status snapshot published on the feed.
type Health struct {
	Storage       string `json:"storage"`
	ExporterJSONL string `json:"exporter_jsonl"`
	ExporterCSV   string `json:"exporter_csv"`
	IntelGeo      string `json:"intel_geo"`
	IntelVT       string `json:"intel_vt"`
	IntelAbuse    string `json:"intel_abuseipdb"`
}

// Item is one feed entry. Exactly one payload field is set, per Kind.
type Item struct {
	Kind       ItemKind              `json:"kind"`
	Assessment *consensus.Assessment `json:"assessment,omitempty"`
	Counters   *Snapshot             `json:"counters,omitempty"`
	Health     *Health               `json:"health,omitempty"`
}

// DefaultSubscriberDepth bounds each subscriber channel.
const DefaultSubscriberDepth = 256

// Bus is the in-process dashboard feed: fan-out to any number of
// subscribers, lossy per subscriber. A slow consumer loses its own oldest
// items and never blocks the pipeline.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Item
	nextID int
	depth  int
	closed bool
}

// NewBus returns a feed bus with the given per-subscriber depth.
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = DefaultSubscriberDepth
	}
	return &Bus{
		subs:  make(map[int]chan Item),
		depth: depth,
	}
}

// Subscribe registers a consumer. The returned cancel function detaches it;
// the channel is closed on cancel or bus shutdown.
func (b *Bus) Subscribe() (<-chan Item, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Item, b.depth)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish fans the item out. A full subscriber drops its oldest item to make
// room.
func (b *Bus) Publish(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		for {
			select {
			case sub <- item:
			default:
				select {
				case <-sub:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts the feed down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
