package devicemanager

import (
	"strings"

	mountutils "k8s.io/mount-utils"

	"github.com/carina-io/localpv-agent/pkg/devicemanager/types"
)

// verifyHostMount reports how the host's initial process sees the new
// mount. It only logs; the mount has already succeeded.
func (p *Processor) verifyHostMount(dev types.Device) {
	if p.config.HostMountInfo == "" {
		return
	}

	infos, err := mountutils.ParseMountInfo(p.config.HostMountInfo)
	if err != nil {
		p.log.Warnf("Unable to read %s to verify %s: %s", p.config.HostMountInfo, dev.MountPath, err)
		return
	}

	for _, info := range infos {
		if info.MountPoint != dev.MountPath {
			continue
		}
		p.log.Infof("%s is mounted on the host: source %s, type %s, options %s",
			dev.MountPath, info.Source, info.FsType, strings.Join(info.MountOptions, ","))
		if info.FsType != types.FsType {
			p.log.Warnf("%s has file system type %s, expected %s", dev.MountPath, info.FsType, types.FsType)
		}
		return
	}
	p.log.Warnf("%s not found in %s", dev.MountPath, p.config.HostMountInfo)
}
