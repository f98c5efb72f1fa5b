package device

import (
	"context"

	"github.com/robertof/go-tuya-ble-exporter/ble"
)

// ActiveBackend represents a device that is read using an established device connection. The
// backend owns the link for the duration of Read and must release it before returning.
type ActiveBackend interface {
	Read(ctx context.Context, dialer ble.Dialer) (Reading, error)
}
