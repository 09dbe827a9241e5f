package session

import (
	"context"
	"errors"

	"github.com/gwillem/homecage/pkg/camera"
	"github.com/gwillem/homecage/pkg/device"
	"github.com/gwillem/homecage/pkg/recorder"
)

var (
	ErrUnknownTag = errors.New("unknown rfid tag")
	ErrOccupied   = errors.New("tube occupied")
	ErrCameraDown = errors.New("camera fault latched")
	ErrDeviceDown = errors.New("device fault latched")
	ErrNoAnimal   = errors.New("beam not broken")
)

// Kind names an error class for logs and metrics.
type Kind string

const (
	KindNone                Kind = ""
	KindLinkUnavailable     Kind = "link_unavailable"
	KindStallTimeout        Kind = "stall_timeout"
	KindCameraInitFailure   Kind = "camera_init_failure"
	KindUnknownTag          Kind = "unknown_tag"
	KindLimitSwitchConflict Kind = "limit_switch_conflict"
	KindDeviceReset         Kind = "device_reset"
	KindAdmission           Kind = "admission"
	KindStorage             Kind = "storage"
	KindAborted             Kind = "aborted"
	KindOther               Kind = "other"
)

// Classify maps err onto the controller's error kinds.
func Classify(err error) Kind {
	var initErr *camera.InitError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, device.ErrLinkUnavailable), errors.Is(err, device.ErrClosed):
		return KindLinkUnavailable
	case errors.Is(err, device.ErrStallTimeout):
		return KindStallTimeout
	case errors.As(err, &initErr):
		return KindCameraInitFailure
	case errors.Is(err, ErrUnknownTag):
		return KindUnknownTag
	case errors.Is(err, device.ErrMoveAborted):
		return KindLimitSwitchConflict
	case errors.Is(err, device.ErrDeviceReset):
		return KindDeviceReset
	case errors.Is(err, ErrOccupied), errors.Is(err, ErrCameraDown),
		errors.Is(err, ErrDeviceDown), errors.Is(err, ErrNoAnimal):
		return KindAdmission
	case errors.Is(err, recorder.ErrCollision):
		return KindStorage
	case errors.Is(err, context.Canceled):
		return KindAborted
	default:
		return KindOther
	}
}
