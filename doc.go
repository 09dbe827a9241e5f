// Package homecage runs an unattended reaching task in a rodent home-cage
// tube.
//
// An animal entering the tube is identified by its RFID tag, the pellet
// stepper is moved to the animal's difficulty level, video capture starts,
// and pellets are presented on the animal's trained side until it leaves.
// Every session ends with the arms lowered and its artifacts filed under
// the data directory.
//
// # Installation
//
//	go install github.com/gwillem/homecage/cmd/homecage@latest
//
// # Usage
//
// First, run setup to pick the controller and tag reader ports:
//
//	homecage setup
//
// Then start the tube:
//
//	homecage run --tui
//
// Without hardware, --simulate drives a simulated controller from stdin or
// the monitor keys.
//
// # Packages
//
//   - cmd/homecage: CLI with run, setup, history and zero commands
//   - pkg/device: serial protocol to the tube microcontroller, plus a simulator
//   - pkg/rfid: tag reader framing
//   - pkg/camera: capture process supervision
//   - pkg/session: admission, session state machine and pellet scheduling
//   - pkg/recorder: per-session directories and history files
//   - pkg/ledger: SQLite sequence numbers and lifetime counters
//   - pkg/profile: animal profiles with live reload
//   - pkg/config, pkg/logging, pkg/metrics: ambient configuration, logs and metrics
package homecage
