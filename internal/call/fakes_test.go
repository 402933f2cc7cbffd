package call_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the3tree/3tree-sub003/internal/call"
	"github.com/the3tree/3tree-sub003/internal/callerr"
	"github.com/the3tree/3tree-sub003/internal/media"
	"github.com/the3tree/3tree-sub003/internal/signaling"
)

type deniedDevices struct{}

func (deniedDevices) GetUserMedia(context.Context, media.Constraints) (*media.Stream, error) {
	return nil, callerr.ErrMediaAccessDenied
}

func (deniedDevices) SwitchCamera(context.Context, *media.Stream, func(*media.Track) error) (*media.Track, error) {
	return nil, callerr.ErrDeviceSwitchFailed
}

// recorder drains a manager's event stream.
type recorder struct {
	mu     sync.Mutex
	events []call.Event
	done   chan struct{}
}

func record(m *call.Manager) *recorder {
	r := &recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for e := range m.Events() {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) states() []call.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call.State
	for _, e := range r.events {
		if e.Kind == call.EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func (r *recorder) errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []error
	for _, e := range r.events {
		if e.Kind == call.EventError {
			out = append(out, e.Err)
		}
	}
	return out
}

func (r *recorder) remote() *call.RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last *call.RemoteStream
	for _, e := range r.events {
		if e.Kind == call.EventRemoteStream {
			last = e.RemoteStream
		}
	}
	return last
}

func (r *recorder) local() *media.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last *media.Stream
	for _, e := range r.events {
		if e.Kind == call.EventLocalStream {
			last = e.LocalStream
		}
	}
	return last
}

// droppingTransport is a memory transport whose subscriptions can be lost on demand.
type droppingTransport struct {
	*signaling.MemoryTransport

	mu    sync.Mutex
	drops []func(error)
}

func (d *droppingTransport) SubscribeNotify(ctx context.Context, topic string, handler func([]byte), onLost func(error)) (func(), error) {
	cancel, err := d.MemoryTransport.Subscribe(ctx, topic, handler)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.drops = append(d.drops, func(cause error) {
		cancel()
		onLost(cause)
	})
	d.mu.Unlock()
	return cancel, nil
}

func (d *droppingTransport) drop(cause error) {
	d.mu.Lock()
	drops := d.drops
	d.drops = nil
	d.mu.Unlock()
	for _, fn := range drops {
		fn(cause)
	}
}

// rawPeer is a scripted participant speaking the signaling protocol directly.
type rawPeer struct {
	t      *testing.T
	handle *signaling.Handle

	mu   sync.Mutex
	msgs []signaling.Message
}

func joinRaw(t *testing.T, tr signaling.Transport, self, room string) *rawPeer {
	t.Helper()
	h, err := signaling.NewAdapter(self, tr, nil).Join(context.Background(), room)
	require.NoError(t, err)
	p := &rawPeer{t: t, handle: h}
	h.OnMessage(func(m signaling.Message) {
		p.mu.Lock()
		p.msgs = append(p.msgs, m)
		p.mu.Unlock()
	})
	t.Cleanup(h.Leave)
	return p
}

func (p *rawPeer) send(typ signaling.MessageType, payload interface{}) {
	p.t.Helper()
	msg, err := signaling.NewMessage(typ, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.handle.Send(context.Background(), msg))
}

func (p *rawPeer) received(typ signaling.MessageType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// typeCounter counts messages published on a memory transport by type.
type typeCounter struct {
	mu sync.Mutex
	n  map[signaling.MessageType]int
}

func countMessages(tr *signaling.MemoryTransport) *typeCounter {
	c := &typeCounter{n: map[signaling.MessageType]int{}}
	tr.SetPublishHook(func(_ string, payload []byte) {
		var m signaling.Message
		if json.Unmarshal(payload, &m) == nil {
			c.mu.Lock()
			c.n[m.Type]++
			c.mu.Unlock()
		}
	})
	return c
}

func (c *typeCounter) get(t signaling.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[t]
}
