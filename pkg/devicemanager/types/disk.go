package types

import "fmt"

// Device is a raw block device pending provisioning.
type Device struct {
	// ID is the opaque token listed in the node marker
	ID string
	// Path is the stable device link, <by-id-root>/<id>
	Path string
	// MountPath is the mount target, <root-mount-path>/<id>
	MountPath string
}

// MountRecord is one persistent mount table entry.
type MountRecord struct {
	Device    string
	MountPath string
}

// String renders the mount table line, without a trailing newline.
//
//	/dev/disk/by-id/wwn-2  /mnt/local-pv/wwn-2  ext4  defaults,noatime,discard,nofail  0 0
func (r MountRecord) String() string {
	return fmt.Sprintf("%s  %s  %s  %s  0 0", r.Device, r.MountPath, FsType, MountOptions)
}

// Record returns the mount table entry for the device.
func (d Device) Record() MountRecord {
	return MountRecord{Device: d.Path, MountPath: d.MountPath}
}
