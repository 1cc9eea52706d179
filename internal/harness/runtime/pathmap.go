package runtime

import "strings"

// PathMapper translates paths between the host and the execution
// environment.
type PathMapper interface {
	// ToExecution maps a host path to an execution-environment path.
	ToExecution(hostPath string) string
	// ToHost maps an execution-environment path back to a host path.
	ToHost(execPath string) string
}

// IdentityMapper returns paths unchanged; the local runtime's mapper.
type IdentityMapper struct{}

func (IdentityMapper) ToExecution(hostPath string) string { return hostPath }

func (IdentityMapper) ToHost(execPath string) string { return execPath }

// VolumeMapper rewrites a host-root prefix to an execution-root prefix,
// mirroring a container bind mount. Paths outside the host root pass
// through unchanged; no other path manipulation happens.
type VolumeMapper struct {
	hostRoot string
	execRoot string
}

// NewVolumeMapper builds a mapper for hostRoot ↔ execRoot. Trailing
// slashes are normalized away.
func NewVolumeMapper(hostRoot, execRoot string) *VolumeMapper {
	return &VolumeMapper{
		hostRoot: strings.TrimRight(hostRoot, "/"),
		execRoot: strings.TrimRight(execRoot, "/"),
	}
}

func (m *VolumeMapper) ToExecution(hostPath string) string {
	if underRoot(hostPath, m.hostRoot) {
		return m.execRoot + hostPath[len(m.hostRoot):]
	}
	return hostPath
}

func (m *VolumeMapper) ToHost(execPath string) string {
	if underRoot(execPath, m.execRoot) {
		return m.hostRoot + execPath[len(m.execRoot):]
	}
	return execPath
}

// underRoot matches the root itself or a path below it; a sibling that
// merely shares the root as a string prefix (/data vs /data2) does not
// count.
func underRoot(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}
