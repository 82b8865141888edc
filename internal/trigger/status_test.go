package trigger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixed(s TriggerStatus) Matcher {
	return MatcherFunc(func(string) TriggerStatus { return s })
}

var allStatuses = []TriggerStatus{TriggerActivated, TriggerPending, TriggerDisabled}

func TestOrTriggerMatching_Laws(t *testing.T) {
	for _, a := range allStatuses {
		for _, b := range allStatuses {
			t.Run(fmt.Sprintf("%s|%s", a, b), func(t *testing.T) {
				got := NewOrTriggerMatching(fixed(a), fixed(b)).TriggerStatus("s")

				switch {
				case a == TriggerActivated || b == TriggerActivated:
					assert.Equal(t, TriggerActivated, got)
				case a == TriggerDisabled && b == TriggerDisabled:
					assert.Equal(t, TriggerDisabled, got)
				default:
					assert.Equal(t, TriggerPending, got)
				}
			})
		}
	}
}

func TestAndTriggerMatching_Laws(t *testing.T) {
	for _, a := range allStatuses {
		for _, b := range allStatuses {
			t.Run(fmt.Sprintf("%s&%s", a, b), func(t *testing.T) {
				got := NewAndTriggerMatching(fixed(a), fixed(b)).TriggerStatus("s")

				switch {
				case a == TriggerDisabled && b == TriggerDisabled:
					assert.Equal(t, TriggerDisabled, got)
				case a == TriggerDisabled:
					assert.Equal(t, b, got)
				case b == TriggerDisabled:
					assert.Equal(t, a, got)
				case a == b:
					assert.Equal(t, a, got)
				default:
					assert.Equal(t, TriggerPending, got)
				}
			})
		}
	}
}

func TestCombinators_Empty(t *testing.T) {
	assert.Equal(t, TriggerDisabled, NewAndTriggerMatching().TriggerStatus("s"))
	assert.Equal(t, TriggerDisabled, NewOrTriggerMatching().TriggerStatus("s"))
}

func TestCombinators_Nest(t *testing.T) {
	inner := NewOrTriggerMatching(fixed(TriggerPending), fixed(TriggerActivated))
	outer := NewAndTriggerMatching(inner, fixed(TriggerActivated), fixed(TriggerDisabled))

	assert.Equal(t, TriggerActivated, outer.TriggerStatus("s"))
}
