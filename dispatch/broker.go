// Package dispatch delivers task envelopes to remote workers over a message
// broker and turns whatever comes back (a response, a timeout or a
// transport failure) into exactly one terminal event per envelope.
package dispatch

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/GoCodeAlone/stepengine/task"
)

// ErrNotStarted is returned when publishing on a broker that is not running.
var ErrNotStarted = errors.New("broker not started")

// Handler processes one message received on a topic.
type Handler func(ctx context.Context, payload []byte) error

// Broker is the transport between the engine and its workers.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a handler for a topic. Brokers that cannot add
	// subscriptions while running document it; register before Start.
	Subscribe(topic string, h Handler) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DefaultPool is the pool name used for envelopes without selectors.
const DefaultPool = "default"

var unsafeTopicChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Topics names the broker topics used by dispatchers and workers.
type Topics struct {
	Prefix string
}

// PoolName derives a worker pool name from a selector set. Envelopes with
// the same selectors always land on the same pool topic.
func PoolName(selectors []string) string {
	sel := task.NormalizeSelectors(selectors)
	if len(sel) == 0 {
		return DefaultPool
	}
	parts := make([]string, len(sel))
	for i, s := range sel {
		parts[i] = unsafeTopicChars.ReplaceAllString(s, "-")
	}
	return strings.Join(parts, "_")
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return "stepengine"
	}
	return t.Prefix
}

// Tasks is the topic workers of a pool consume envelopes from.
func (t Topics) Tasks(pool string) string { return t.prefix() + ".tasks." + pool }

// Responses is the topic workers publish responses to.
func (t Topics) Responses() string { return t.prefix() + ".responses" }

// Cancel is the topic cancellation requests are broadcast on.
func (t Topics) Cancel() string { return t.prefix() + ".cancel" }
