package session

import (
	"fmt"
	"sync"
)

// Gate admits at most one session at a time. It stays closed while a camera
// or device fault is latched and, when configured, while the beam is intact.
type Gate struct {
	requireBeam bool

	mu          sync.Mutex
	occupied    bool
	cameraFault error
	deviceFault error
	beamBroken  bool
}

// NewGate returns an open gate.
func NewGate(requireBeam bool) *Gate {
	return &Gate{requireBeam: requireBeam}
}

func (g *Gate) check() error {
	switch {
	case g.occupied:
		return ErrOccupied
	case g.cameraFault != nil:
		return fmt.Errorf("%w: %v", ErrCameraDown, g.cameraFault)
	case g.deviceFault != nil:
		return fmt.Errorf("%w: %v", ErrDeviceDown, g.deviceFault)
	case g.requireBeam && !g.beamBroken:
		return ErrNoAnimal
	}
	return nil
}

// TryAcquire takes the single session slot.
func (g *Gate) TryAcquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	g.occupied = true
	return nil
}

// Release frees the session slot.
func (g *Gate) Release() {
	g.mu.Lock()
	g.occupied = false
	g.mu.Unlock()
}

// Open reports whether the gate is free of sessions and faults. Beam state
// is not considered.
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.occupied && g.cameraFault == nil && g.deviceFault == nil
}

func (g *Gate) SetCameraFault(err error) {
	g.mu.Lock()
	g.cameraFault = err
	g.mu.Unlock()
}

func (g *Gate) ClearCameraFault() {
	g.SetCameraFault(nil)
}

// CameraFault returns the latched camera fault, if any.
func (g *Gate) CameraFault() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cameraFault
}

func (g *Gate) SetDeviceFault(err error) {
	g.mu.Lock()
	g.deviceFault = err
	g.mu.Unlock()
}

func (g *Gate) ClearDeviceFault() {
	g.SetDeviceFault(nil)
}

// DeviceFault returns the latched device fault, if any.
func (g *Gate) DeviceFault() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deviceFault
}

// ObserveBeam records the last beam edge.
func (g *Gate) ObserveBeam(broken bool) {
	g.mu.Lock()
	g.beamBroken = broken
	g.mu.Unlock()
}
