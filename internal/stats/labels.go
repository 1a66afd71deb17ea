package stats

import (
	"strings"

	"fleetstat/internal/protocol"
)

const osLabelPrefix = "os="

// knownOS lists the distribution names recognized in os_release, in
// match priority order
var knownOS = []string{
	"centos", "debian", "ubuntu", "alpine", "fedora", "rocky", "almalinux",
	"suse", "arch", "windows", "darwin", "macos", "freebsd", "openbsd",
	"armbian", "raspbian", "openwrt", "synology", "gentoo", "deepin",
	"linux",
}

// deriveOSLabel appends os=<name> to the host labels when none is set
// and the attached system info names a known OS
func deriveOSLabel(st *protocol.HostState) {
	if st.SysInfo == nil || hasLabel(st.Labels, osLabelPrefix) {
		return
	}
	release := strings.ToLower(st.SysInfo.OSRelease)
	for _, name := range knownOS {
		if !strings.Contains(release, name) {
			continue
		}
		if st.Labels == "" {
			st.Labels = osLabelPrefix + name
		} else {
			st.Labels = strings.TrimSuffix(st.Labels, ";") + ";" + osLabelPrefix + name
		}
		return
	}
}

func hasLabel(labels, prefix string) bool {
	for _, l := range strings.Split(labels, ";") {
		if strings.HasPrefix(strings.TrimSpace(l), prefix) {
			return true
		}
	}
	return false
}
