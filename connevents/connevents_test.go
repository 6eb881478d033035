package connevents_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/studiolambda/greenspool/connevents"
	"github.com/studiolambda/greenspool/contract"
)

type fakeSpool struct {
	cfg        contract.SpoolConfig
	purgeCalls int
}

func (f *fakeSpool) GetSpoolConfig() contract.SpoolConfig { return f.cfg }
func (f *fakeSpool) PopAllQos0()                          { f.purgeCalls++ }

type fakeKicker struct{ kicks int }

func (f *fakeKicker) Kick() { f.kicks++ }

func TestOnInterrupted_PurgesQos0WhenNotKept(t *testing.T) {
	s := &fakeSpool{cfg: contract.SpoolConfig{KeepQos0WhenOffline: false}}
	k := &fakeKicker{}
	h := connevents.New(s, k, nil)

	h.OnInterrupted(errors.New("boom"))

	assert.False(t, h.Online())
	assert.Equal(t, 1, s.purgeCalls)
}

func TestOnInterrupted_KeepsQos0WhenConfigured(t *testing.T) {
	s := &fakeSpool{cfg: contract.SpoolConfig{KeepQos0WhenOffline: true}}
	h := connevents.New(s, &fakeKicker{}, nil)

	h.OnInterrupted(errors.New("boom"))

	assert.Equal(t, 0, s.purgeCalls)
}

func TestOnResumed_SetsOnlineAndKicksPublisher(t *testing.T) {
	k := &fakeKicker{}
	h := connevents.New(&fakeSpool{}, k, nil)

	h.OnResumed(true)

	assert.True(t, h.Online())
	assert.Equal(t, 1, k.kicks)
}
