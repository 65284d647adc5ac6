// Package identity maps the identifier a device reports for itself onto the canonical device.
package identity

import (
	"strings"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/juju/errors"
)

//ErrUnknownDevice is returned when a reported identifier matches no canonical device
var ErrUnknownDevice = errors.NewNotFound(nil, "unknown device")

//DeviceFinder looks a device up by canonical IMEI or registration code
type DeviceFinder interface {
	GetDeviceFromIdentifier(identifier string) (*models.Device, error)
}

//Resolver resolves reported identifiers. It never invents an identity.
type Resolver struct {
	finder DeviceFinder
}

func NewResolver(finder DeviceFinder) *Resolver {
	return &Resolver{finder: finder}
}

//Resolve returns the canonical device for reported, or an error satisfying errors.IsNotFound
func (r *Resolver) Resolve(reported string) (*models.Device, error) {
	reported = strings.TrimSpace(reported)
	if reported == "" {
		return nil, errors.Annotate(ErrUnknownDevice, "empty identifier")
	}

	device, err := r.finder.GetDeviceFromIdentifier(reported)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.Annotatef(ErrUnknownDevice, "identifier %s", reported)
		}
		return nil, errors.Annotatef(err, "resolve %s", reported)
	}

	return device, nil
}

//IsUnknownDevice reports whether err means the identifier did not resolve
func IsUnknownDevice(err error) bool {
	return errors.Cause(err) == ErrUnknownDevice
}
