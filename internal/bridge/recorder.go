package bridge

import (
	"context"
	"sync"

	"github.com/textly/smsbridge/internal/models"
)

// EventLog is the part of the message store fed by events.
type EventLog interface {
	ApplyEvent(ctx context.Context, evt models.Event) error
}

// Recorder is the relay sink that folds events into the message log.
// Sends hold the read side of gate while their message is being inserted;
// Deliver takes the write side, so a status event never reaches the log
// ahead of the message it refers to.
type Recorder struct {
	log  EventLog
	gate sync.RWMutex
}

// NewRecorder wraps log as a relay sink.
func NewRecorder(log EventLog) *Recorder {
	return &Recorder{log: log}
}

// Name identifies the sink in relay logs.
func (r *Recorder) Name() string { return "store" }

// Deliver applies evt to the message log.
func (r *Recorder) Deliver(ctx context.Context, evt models.Event) error {
	r.gate.Lock()
	defer r.gate.Unlock()
	return r.log.ApplyEvent(ctx, evt)
}

func (r *Recorder) holdInserts() func() {
	r.gate.RLock()
	return r.gate.RUnlock
}
