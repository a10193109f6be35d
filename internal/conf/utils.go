// conf/utils.go config file locations
package conf

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	componentConf = "conf"

	osWindows = "windows"
	appDir    = "airlift"
)

// GetDefaultConfigPaths returns the directories searched for config.yaml,
// most specific first. Directories that cannot be resolved are skipped.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}

	home, err := os.UserHomeDir()
	switch runtime.GOOS {
	case osWindows:
		if exe, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Dir(exe))
		}
		if err == nil {
			paths = append(paths, filepath.Join(home, "AppData", "Roaming", appDir))
		}
	default:
		if err == nil {
			paths = append(paths, filepath.Join(home, ".config", appDir))
		}
		paths = append(paths, filepath.Join("/etc", appDir))
	}
	return paths
}
