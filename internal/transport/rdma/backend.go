package rdma

import "fmt"

// Backend kinds accepted by OpenBackend.
const (
	BackendAuto      = "auto"
	BackendSimulated = "simulated"
	BackendHardware  = "hardware"
)

// OpenBackend returns the verbs backend named by kind. "auto" picks the
// hardware backend when the binary was built with it.
func OpenBackend(kind string) (VerbsBackend, error) {
	switch kind {
	case "", BackendAuto:
		return NewBackend(), nil
	case BackendSimulated:
		return NewSimulatedVerbsBackend(), nil
	case BackendHardware:
		return NewHardwareBackend()
	default:
		return nil, fmt.Errorf("unknown verbs backend %q", kind)
	}
}

// BackendName reports which implementation b is.
func BackendName(b VerbsBackend) string {
	if _, ok := b.(*SimulatedVerbsBackend); ok {
		return BackendSimulated
	}

	return BackendHardware
}
