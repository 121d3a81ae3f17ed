package main

import (
	"fmt"
	"strings"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// modifier groups the left and right variants of one modifier key.
type modifier struct {
	name  string
	codes [2]uint16
}

var modifiers = []modifier{
	{"ctrl", [2]uint16{KEY_LEFTCTRL, KEY_RIGHTCTRL}},
	{"shift", [2]uint16{KEY_LEFTSHIFT, KEY_RIGHTSHIFT}},
	{"alt", [2]uint16{KEY_LEFTALT, KEY_RIGHTALT}},
	{"meta", [2]uint16{KEY_LEFTMETA, KEY_RIGHTMETA}},
}

var modifierAliases = map[string]string{
	"control": "ctrl",
	"super":   "meta",
	"win":     "meta",
	"cmd":     "meta",
}

// keyCodes maps key names to evdev codes for the non-modifier part of a combo.
var keyCodes = func() map[string]uint16 {
	m := map[string]uint16{
		"esc": 1, "tab": 15, "enter": 28, "space": 57,
		"scrolllock": 70, "pause": 119,
		"f11": 87, "f12": 88,
	}
	rows := []struct {
		keys  string
		first uint16
	}{
		{"1234567890", 2},
		{"qwertyuiop", 16},
		{"asdfghjkl", 30},
		{"zxcvbnm", 44},
	}
	for _, r := range rows {
		for i, c := range r.keys {
			m[string(c)] = r.first + uint16(i)
		}
	}
	for i := 1; i <= 10; i++ {
		m[fmt.Sprintf("f%d", i)] = uint16(58 + i)
	}
	return m
}()

// keyCombo is a parsed hotkey: a set of modifiers plus one key.
type keyCombo struct {
	mods map[string]bool
	key  uint16
}

// parseCombo parses strings such as "ctrl+shift+o".
func parseCombo(s string) (keyCombo, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	combo := keyCombo{mods: make(map[string]bool)}
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return keyCombo{}, fmt.Errorf("empty key in %q", s)
		}
		if alias, ok := modifierAliases[p]; ok {
			p = alias
		}
		last := i == len(parts)-1
		if isModifierName(p) {
			if last {
				return keyCombo{}, fmt.Errorf("%q has no non-modifier key", s)
			}
			combo.mods[p] = true
			continue
		}
		if !last {
			return keyCombo{}, fmt.Errorf("%q: only the last key may be a non-modifier", s)
		}
		code, ok := keyCodes[p]
		if !ok {
			return keyCombo{}, fmt.Errorf("unknown key %q", p)
		}
		combo.key = code
	}
	if len(combo.mods) == 0 {
		return keyCombo{}, fmt.Errorf("%q needs at least one modifier", s)
	}
	return combo, nil
}

func isModifierName(name string) bool {
	for _, m := range modifiers {
		if m.name == name {
			return true
		}
	}
	return false
}

// comboMatcher tracks held keys across devices and reports when the combo
// key is pressed with exactly the combo's modifiers held.
type comboMatcher struct {
	combo keyCombo
	held  map[uint16]bool
}

func newComboMatcher(c keyCombo) *comboMatcher {
	return &comboMatcher{combo: c, held: make(map[uint16]bool)}
}

// feed consumes one input event and reports whether the combo fired.
// Auto-repeat never fires.
func (m *comboMatcher) feed(ev inputEvent) bool {
	if ev.Type != EV_KEY {
		return false
	}
	switch ev.Value {
	case evValueRelease:
		delete(m.held, ev.Code)
		return false
	case evValueRepeat:
		return false
	case evValuePress:
		m.held[ev.Code] = true
	default:
		return false
	}

	if ev.Code != m.combo.key {
		return false
	}
	for _, mod := range modifiers {
		down := m.held[mod.codes[0]] || m.held[mod.codes[1]]
		if down != m.combo.mods[mod.name] {
			return false
		}
	}
	return true
}
