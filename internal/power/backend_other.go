//go:build !darwin && !linux

package power

import "fmt"

func NewBackend(name, _ string) (Backend, error) {
	switch name {
	case BackendAuto, "", BackendNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("power backend %q is not available on this platform", name)
	}
}
