package fakes

import (
	"sync"

	"github.com/studiolambda/greenspool/contract"
)

// Events is a recording fake contract.ConnectionEvents.
type Events struct {
	mu            sync.Mutex
	Interruptions []error
	Resumptions   []bool
	Messages      []contract.Message
}

func (e *Events) OnInterrupted(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Interruptions = append(e.Interruptions, err)
}

func (e *Events) OnResumed(sessionPresent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Resumptions = append(e.Resumptions, sessionPresent)
}

func (e *Events) OnMessage(msg contract.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Messages = append(e.Messages, msg)
}
