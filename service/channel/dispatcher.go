package channel

import (
	"sync"

	"marketsync/logger"
	"marketsync/service/metrics"
	"marketsync/tools/safe"

	"go.uber.org/zap"
)

// Handler consumes one inbound frame. It runs on the connection's read loop.
type Handler func(Frame)

// Dispatcher routes frames to at most one handler per event kind.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register installs h for kind, replacing any previous handler.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

func (d *Dispatcher) Unregister(kind string) {
	d.mu.Lock()
	delete(d.handlers, kind)
	d.mu.Unlock()
}

func (d *Dispatcher) GetHandler(kind string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[kind]
}

// Dispatch runs the handler for f.Event. A panicking handler is logged and
// the frame dropped; the loop keeps going. Reports whether a handler existed.
func (d *Dispatcher) Dispatch(f Frame) bool {
	h := d.GetHandler(f.Event)
	if h == nil {
		logger.Debug("no handler for event", zap.String("event", f.Event))
		metrics.ChannelEvents.WithLabelValues(f.Event, "unhandled").Inc()
		return false
	}
	if err := safe.Call("channel."+f.Event, func() { h(f) }); err != nil {
		metrics.ChannelEvents.WithLabelValues(f.Event, "panic").Inc()
		return true
	}
	metrics.ChannelEvents.WithLabelValues(f.Event, "handled").Inc()
	return true
}
