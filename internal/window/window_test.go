package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/model"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("08:30")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay(510), tod)
	assert.Equal(t, "08:30", tod.String())

	mid, err := ParseTimeOfDay("24:00")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay(0), mid)

	for _, bad := range []string{"", "8", "25:00", "10:60", "aa:bb"} {
		_, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestIsWithin(t *testing.T) {
	scan, err := Parse("08:00-12:00")
	require.NoError(t, err)
	night, err := Parse("22:00-02:00")
	require.NoError(t, err)
	always, err := Parse("05:00-05:00")
	require.NoError(t, err)

	tests := []struct {
		name string
		w    Window
		now  time.Time
		want bool
	}{
		{"before start", scan, at(7, 59), false},
		{"at start", scan, at(8, 0), true},
		{"inside", scan, at(11, 59), true},
		{"end is exclusive", scan, at(12, 0), false},
		{"wrap late evening", night, at(23, 15), true},
		{"wrap after midnight", night, at(1, 59), true},
		{"wrap end exclusive", night, at(2, 0), false},
		{"wrap midday", night, at(12, 0), false},
		{"start equals end", always, at(17, 42), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWithin(tt.w, tt.now))
		})
	}
}

func TestParseSet(t *testing.T) {
	set, err := ParseSet("09:00-10:30, 14:00-15:30")
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, "09:00-10:30,14:00-15:30", set.String())

	assert.True(t, set.Active(at(9, 45)))
	assert.False(t, set.Active(at(12, 0)))
	assert.True(t, set.Active(at(15, 0)))

	empty, err := ParseSet("")
	require.NoError(t, err)
	assert.False(t, empty.Active(at(9, 0)))

	_, err = ParseSet("09:00")
	assert.Error(t, err)
}

func TestOracle(t *testing.T) {
	wib := time.FixedZone("WIB", 7*3600)
	scan, _ := ParseSet("08:00-12:00")
	msg, _ := ParseSet("09:00-10:30,14:00-15:30")
	o := NewOracle(wib,
		map[model.ActionKind]Set{model.ActionScan: scan, model.ActionMessage: msg},
		map[model.ActionKind]TimeOfDay{model.ActionFriendRequest: 8 * 60},
	)

	// 02:30 UTC is 09:30 WIB
	now := time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)
	assert.True(t, o.Within(model.ActionScan, now))
	assert.True(t, o.Runnable(model.ActionMessage, now, nil))
	assert.Equal(t, []string{"scan", "message#1"}, o.ActiveNames(now))

	assert.True(t, o.Runnable(model.ActionFriendRequest, now, nil))
	late := TimeOfDay(10 * 60)
	assert.False(t, o.Runnable(model.ActionFriendRequest, now, &late))
	assert.False(t, o.Within(model.ActionFriendRequest, now))

	start, ok := o.DefaultStart(model.ActionFriendRequest)
	assert.True(t, ok)
	assert.Equal(t, TimeOfDay(480), start)
}
