//go:build !rdma_hw

package rdma

// HardwareAvailable reports whether this binary was built with libibverbs support.
const HardwareAvailable = false

// NewBackend returns the default verbs backend for this build.
func NewBackend() VerbsBackend {
	return NewSimulatedVerbsBackend()
}

// NewHardwareBackend fails in builds without the rdma_hw tag.
func NewHardwareBackend() (VerbsBackend, error) {
	return nil, ErrHardwareUnavailable
}
