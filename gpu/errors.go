package gpu

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrDeviceRemoved is reported when the adapter disappeared (driver
	// upgrade, physical removal, TDR). All device state must be rebuilt.
	ErrDeviceRemoved = errors.New("gpu: device removed")
	// ErrDeviceReset is reported when the driver reset the device.
	ErrDeviceReset = errors.New("gpu: device reset")
	// ErrNoAdapter means no adapter supports the requested feature level.
	ErrNoAdapter = errors.New("gpu: no suitable adapter")
)

// IsDeviceLost reports whether err is the one recoverable condition: the
// device was removed or reset.
func IsDeviceLost(err error) bool {
	return errors.Is(err, ErrDeviceRemoved) || errors.Is(err, ErrDeviceReset)
}
