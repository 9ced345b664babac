package privilege

import "os"

// IsRunningAsRoot returns true if the daemon is running with UID 0 (root).
func IsRunningAsRoot() bool {
	return os.Getuid() == 0
}
