package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"insomnia/internal/failure"
	"insomnia/internal/permissions"
	"insomnia/internal/prefs"
)

// popupBackend is what the popup needs from the daemon. ipcClient
// implements it; tests use a fake.
type popupBackend interface {
	Status() (StateSnapshot, error)
	SetAwake(on bool) error
	Preferences() ([]PreferenceEntry, error)
	SetPreference(k prefs.Key, v bool) ([]PreferenceEntry, error)
	RequestPermission(c permissions.Capability) (bool, error)
	RemovePermission(c permissions.Capability) (bool, error)
}

var prefLabels = map[prefs.Key]string{
	prefs.Sounds:          "Play sounds",
	prefs.DisplaySleep:    "Allow the display to sleep",
	prefs.AutoDownloads:   "Stay awake while downloading",
	prefs.PowerConnect:    "Activate when power is connected",
	prefs.BatteryCharging: "Deactivate when charging stops",
	prefs.BatteryLevel:    "Deactivate on low battery",
}

var (
	popupTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	popupAwakeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	popupAsleepStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	popupCursorStyle = lipgloss.NewStyle().Bold(true)
	popupErrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	popupDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// popupLoadedMsg carries the initial status and preferences.
type popupLoadedMsg struct {
	Awake bool
	Prefs []PreferenceEntry
	Err   error
}

// popupToggledMsg reports the result of Activate/Deactivate.
type popupToggledMsg struct {
	Err error
}

// popupPrefMsg reports the result of a checkbox change.
type popupPrefMsg struct {
	Index int
	Value bool
	Prefs []PreferenceEntry
	Err   error
}

// PopupModel is the bubbletea model behind `insomnia popup`.
type PopupModel struct {
	backend popupBackend

	loaded  bool
	awake   bool
	prefs   []PreferenceEntry
	cursor  int // 0 is the toggle button, i+1 is prefs[i]
	pending bool
	err     string
	done    bool
}

func NewPopupModel(b popupBackend) PopupModel {
	return PopupModel{backend: b}
}

func (m PopupModel) Init() tea.Cmd {
	b := m.backend
	return func() tea.Msg {
		snap, err := b.Status()
		if err != nil {
			return popupLoadedMsg{Err: err}
		}
		entries, err := b.Preferences()
		return popupLoadedMsg{Awake: snap.Awake, Prefs: entries, Err: err}
	}
}

func (m PopupModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case popupLoadedMsg:
		if msg.Err != nil {
			m.err = msg.Err.Error()
			return m, nil
		}
		m.loaded = true
		m.awake = msg.Awake
		m.prefs = msg.Prefs
		return m, nil

	case popupToggledMsg:
		m.pending = false
		if msg.Err != nil {
			m.err = msg.Err.Error()
			return m, nil
		}
		m.awake = !m.awake
		m.done = true
		return m, tea.Quit

	case popupPrefMsg:
		m.pending = false
		if msg.Err != nil {
			// Roll back the optimistic checkbox.
			if msg.Index < len(m.prefs) {
				m.prefs[msg.Index].Value = !msg.Value
			}
			m.err = describePrefError(msg.Err)
			return m, nil
		}
		m.err = ""
		if len(msg.Prefs) > 0 {
			m.prefs = msg.Prefs
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m PopupModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc", "ctrl+c":
		m.done = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j", "tab":
		if m.cursor < len(m.prefs) {
			m.cursor++
		}
	case "enter", " ":
		if !m.loaded || m.pending {
			return m, nil
		}
		m.pending = true
		if m.cursor == 0 {
			return m, setAwakeCmd(m.backend, !m.awake)
		}
		i := m.cursor - 1
		// Prefs is shared with the last rendered slice; copy before mutating.
		m.prefs = append([]PreferenceEntry(nil), m.prefs...)
		m.prefs[i].Value = !m.prefs[i].Value
		return m, setPrefCmd(m.backend, i, m.prefs[i])
	}
	return m, nil
}

func setAwakeCmd(b popupBackend, on bool) tea.Cmd {
	return func() tea.Msg {
		return popupToggledMsg{Err: b.SetAwake(on)}
	}
}

// setPrefCmd writes one checkbox. A preference gated by a capability asks
// for it first when enabled and gives it back when disabled.
func setPrefCmd(b popupBackend, index int, e PreferenceEntry) tea.Cmd {
	return func() tea.Msg {
		res := popupPrefMsg{Index: index, Value: e.Value}
		if e.RequiredCapability != "" {
			if e.Value {
				granted, err := b.RequestPermission(e.RequiredCapability)
				if err != nil {
					res.Err = err
					return res
				}
				if !granted {
					res.Err = failure.New(failure.Permission, "popup", failure.ErrDenied)
					return res
				}
			} else if _, err := b.RemovePermission(e.RequiredCapability); err != nil {
				res.Err = err
				return res
			}
		}
		res.Prefs, res.Err = b.SetPreference(e.Key, e.Value)
		return res
	}
}

func describePrefError(err error) string {
	switch {
	case failure.Is(err, failure.Permission):
		return "permission denied: " + err.Error()
	case failure.Is(err, failure.Persistence):
		return "could not save preference: " + err.Error()
	default:
		return err.Error()
	}
}

// Awake reports the status the popup currently shows.
func (m PopupModel) Awake() bool { return m.awake }

func (m PopupModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(popupTitleStyle.Render("Insomnia"))
	b.WriteString("\n\n")

	if !m.loaded {
		if m.err != "" {
			b.WriteString(popupErrStyle.Render(m.err))
			b.WriteString("\n")
		} else {
			b.WriteString(popupDimStyle.Render("connecting to daemon..."))
			b.WriteString("\n")
		}
		return b.String()
	}

	if m.awake {
		b.WriteString(popupAwakeStyle.Render("● awake"))
	} else {
		b.WriteString(popupAsleepStyle.Render("○ asleep"))
	}
	b.WriteString("\n\n")

	button := "[ Activate ]"
	if m.awake {
		button = "[ Deactivate ]"
	}
	b.WriteString(m.line(0, button))

	b.WriteString("\n")
	for i, e := range m.prefs {
		box := "[ ]"
		if e.Value {
			box = "[x]"
		}
		label := prefLabels[e.Key]
		if label == "" {
			label = string(e.Key)
		}
		b.WriteString(m.line(i+1, fmt.Sprintf("%s %s", box, label)))
	}

	if m.err != "" {
		b.WriteString("\n")
		b.WriteString(popupErrStyle.Render(m.err))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(popupDimStyle.Render("↑/↓ move · enter toggle · q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m PopupModel) line(idx int, text string) string {
	if idx == m.cursor {
		return popupCursorStyle.Render("> "+text) + "\n"
	}
	return "  " + text + "\n"
}
