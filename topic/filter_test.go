package topic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/studiolambda/greenspool/topic"
)

func TestIsSupersetOf(t *testing.T) {
	cases := []struct {
		name   string
		a, b   string
		expect bool
	}{
		{"literal equal", "A/B/C", "A/B/C", true},
		{"literal mismatch", "A/B/C", "A/B/D", false},
		{"plus absorbs one level", "A/B/+", "A/B/C", true},
		{"plus does not absorb two levels", "A/+", "A/B/C", false},
		{"hash absorbs tail", "A/B/#", "A/B/C/D/E", true},
		{"hash absorbs zero tail", "A/B/#", "A/B", true},
		{"hash vs hash requires a to be hash", "A/B/C", "A/B/#", false},
		{"different prefix", "X/B/C", "A/B/C", false},
		{"plus matches another plus", "A/+/C", "A/+/C", true},
		{"shorter a without hash", "A/B", "A/B/C", false},
		{"longer a without hash", "A/B/C", "A/B", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := topic.New(tc.a)
			b := topic.New(tc.b)
			assert.Equal(t, tc.expect, a.IsSupersetOf(b))
		})
	}
}

func TestMatches(t *testing.T) {
	f := topic.New("sensors/+/temperature")
	assert.True(t, f.Matches("sensors/room1/temperature"))
	assert.False(t, f.Matches("sensors/room1/humidity"))
}

func TestConsolidationScenario(t *testing.T) {
	// Scenario 1 from spec §8: A/B/+ is a superset of A/B/C, so a
	// registry consolidating on this relation issues no second
	// broker SUBSCRIBE for A/B/C.
	wide := topic.New("A/B/+")
	narrow := topic.New("A/B/C")

	assert.True(t, wide.IsSupersetOf(narrow))
	assert.False(t, narrow.IsSupersetOf(wide))
}
