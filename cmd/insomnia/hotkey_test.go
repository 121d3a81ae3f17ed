package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCombo(t *testing.T) {
	c, err := parseCombo("Ctrl+Shift+O")
	require.NoError(t, err)
	assert.Equal(t, uint16(24), c.key)
	assert.Equal(t, map[string]bool{"ctrl": true, "shift": true}, c.mods)

	c, err = parseCombo("super+f9")
	require.NoError(t, err)
	assert.Equal(t, uint16(67), c.key)
	assert.True(t, c.mods["meta"])

	for _, bad := range []string{"", "o", "ctrl+shift", "ctrl++o", "ctrl+o+shift", "ctrl+hyper"} {
		_, err := parseCombo(bad)
		assert.Error(t, err, bad)
	}
}

func press(code uint16) inputEvent   { return inputEvent{Type: EV_KEY, Code: code, Value: evValuePress} }
func release(code uint16) inputEvent { return inputEvent{Type: EV_KEY, Code: code, Value: evValueRelease} }

func TestComboMatcher(t *testing.T) {
	c, err := parseCombo(defaultHotkey)
	require.NoError(t, err)
	m := newComboMatcher(c)

	feed := func(evs ...inputEvent) (fired int) {
		for _, ev := range evs {
			if m.feed(ev) {
				fired++
			}
		}
		return fired
	}

	// Right-hand modifiers count the same as left-hand ones.
	assert.Equal(t, 1, feed(press(KEY_RIGHTCTRL), press(KEY_LEFTSHIFT), press(c.key)))
	// Auto-repeat does not fire again.
	assert.Equal(t, 0, feed(inputEvent{Type: EV_KEY, Code: c.key, Value: evValueRepeat}))
	assert.Equal(t, 0, feed(release(c.key), release(KEY_LEFTSHIFT), release(KEY_RIGHTCTRL)))

	// Missing modifier.
	assert.Equal(t, 0, feed(press(KEY_LEFTCTRL), press(c.key), release(c.key)))
	// Extra modifier.
	assert.Equal(t, 0, feed(press(KEY_LEFTSHIFT), press(KEY_LEFTALT), press(c.key), release(c.key), release(KEY_LEFTALT)))
	// Back to exactly ctrl+shift.
	assert.Equal(t, 1, feed(press(c.key)))
	// Non-key events are ignored.
	assert.Equal(t, 0, feed(inputEvent{Type: 0x02, Code: c.key, Value: evValuePress}))
}
