//go:build rdma_hw

package rdma

// HardwareAvailable reports whether this binary was built with libibverbs support.
const HardwareAvailable = true

// NewBackend returns the default verbs backend for this build.
func NewBackend() VerbsBackend {
	return NewHardwareVerbsBackend()
}

// NewHardwareBackend returns the libibverbs backend.
func NewHardwareBackend() (VerbsBackend, error) {
	return NewHardwareVerbsBackend(), nil
}
