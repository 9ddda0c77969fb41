package global

import (
	"sync/atomic"

	"github.com/toolink/cable/extension"
)

var globalExtensionManager atomic.Pointer[extension.Manager]

func init() {
	globalExtensionManager.Store(extension.New())
}

// SetExtensionManager replaces the process extension manager.
func SetExtensionManager(m *extension.Manager) {
	if m != nil {
		globalExtensionManager.Store(m)
	}
}

// GetExtensionManager returns the process extension manager.
func GetExtensionManager() *extension.Manager {
	return globalExtensionManager.Load()
}
