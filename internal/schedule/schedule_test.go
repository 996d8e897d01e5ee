package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func TestAtDaily(t *testing.T) {
	start := date(2025, time.March, 1)
	assert.Equal(t, start, At(start, domain.CadenceDaily, 0))
	assert.Equal(t, date(2025, time.March, 2), At(start, domain.CadenceDaily, 1))
	assert.Equal(t, date(2025, time.April, 10), At(start, domain.CadenceDaily, 40))
}

func TestAtWeekly(t *testing.T) {
	start := date(2025, time.March, 3) // a Monday
	next := At(start, domain.CadenceWeekly, 1)
	assert.Equal(t, date(2025, time.March, 10), next)
	assert.Equal(t, start.Weekday(), next.Weekday())
}

func TestAtMonthlyClampsToShortMonth(t *testing.T) {
	// Anchored on the 31st: April has 30 days, February fewer still.
	start := date(2025, time.January, 31)

	assert.Equal(t, date(2025, time.February, 28), At(start, domain.CadenceMonthly, 1))
	assert.Equal(t, date(2025, time.March, 31), At(start, domain.CadenceMonthly, 2))
	assert.Equal(t, date(2025, time.April, 30), At(start, domain.CadenceMonthly, 3))
}

func TestAtMonthlyLeapYear(t *testing.T) {
	start := date(2024, time.January, 31)
	assert.Equal(t, date(2024, time.February, 29), At(start, domain.CadenceMonthly, 1))
}

func TestAtMonotonic(t *testing.T) {
	start := date(2025, time.January, 31)
	for _, cadence := range []domain.Cadence{domain.CadenceDaily, domain.CadenceWeekly, domain.CadenceMonthly} {
		prev := At(start, cadence, 0)
		for n := int64(1); n <= 48; n++ {
			cur := At(start, cadence, n)
			require.True(t, cur.After(prev), "%s run %d (%s) not after %s", cadence, n, cur, prev)
			prev = cur
		}
	}
}

func TestAtDeterministic(t *testing.T) {
	start := date(2025, time.May, 31)
	a := At(start, domain.CadenceMonthly, 13)
	b := At(start, domain.CadenceMonthly, 13)
	assert.Equal(t, a, b)
}
