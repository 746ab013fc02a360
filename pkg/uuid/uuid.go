// Package `uuid` derives name-based UUIDs with `google/uuid`.  See GoDoc
// <https://godoc.org/github.com/google/uuid>.
package uuid

import (
	"path/filepath"

	"github.com/google/uuid"
)

// `I` is a `google/uuid.UUID`.
type I = uuid.UUID

// `NsDevice` is the name space for `DeviceKey()`.
var NsDevice = uuid.NewSHA1(
	uuid.NameSpaceURL, []byte("https://github.com/srz2/ballen/device"),
)

// `DeviceKey()` returns a stable name-based UUID for a device path.  Paths
// are cleaned first, so that `/dev/sda1` and `/dev//sda1` share a key.
func DeviceKey(device string) I {
	return uuid.NewSHA1(NsDevice, []byte(filepath.Clean(device)))
}
