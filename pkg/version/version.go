package version

import (
	goVersion "github.com/hashicorp/go-version"

	"github.com/sidkik/mcsync/pkg/errors"
)

// EmptyValue is the value we use when running a version that wasn't compiled
// by `make`. This is helpful for telling when we're running in a unit test.
const EmptyValue = "set-by-make"

// Version is the latest tag on git for releases. On non-release commits, it may
// include additional information such as the most recent commit hash.
var Version = EmptyValue

// ProtocolVersion is the version of the device-to-device sync protocol. Two
// devices can sync if their protocol versions share the same major version.
const ProtocolVersion = "1.0.0"

// CheckCompatible returns a VersionMismatch error if a peer speaking
// `remote` can't sync with this device.
func CheckCompatible(remote string) error {
	local, err := goVersion.NewVersion(ProtocolVersion)
	if err != nil {
		return errors.WithContext(err, "parse local protocol version")
	}

	remoteVersion, err := goVersion.NewVersion(remote)
	if err != nil {
		return errors.VersionMismatch{Local: ProtocolVersion, Remote: remote}
	}

	if local.Segments()[0] != remoteVersion.Segments()[0] {
		return errors.VersionMismatch{Local: ProtocolVersion, Remote: remote}
	}
	return nil
}
