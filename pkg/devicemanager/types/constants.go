package types

const (
	// FsType is the filesystem created on every provisioned device
	FsType = "ext4"
	// MountOptions are written to the mount table and used for the mount
	MountOptions = "defaults,noatime,discard,nofail"

	// DefaultByIDRoot is where stable device links live
	DefaultByIDRoot = "/dev/disk/by-id"
	// DefaultFstabPath is the persistent mount table consulted at boot
	DefaultFstabPath = "/etc/fstab"
	// DefaultHostMountInfo is the mount table of the host's initial process
	DefaultHostMountInfo = "/proc/1/mountinfo"

	MountpointCmd = "mountpoint"
	WipefsCmd     = "wipefs"
	CatCmd        = "cat"
	MkfsCmd       = "mkfs." + FsType
	TeeCmd        = "tee"
	MkdirCmd      = "mkdir"
	ChattrCmd     = "chattr"
	MountCmd      = "mount"
)
