package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfigFrom_CorruptFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homecage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cage: [unclosed\n\t:"), 0600))

	cfg, err := LoadConfigFrom(path)
	assert.Error(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfigFrom_Overrides(t *testing.T) {
	const content = `
cage: 3
data_dir: /srv/cage3
device:
  port: /dev/ttyACM1
session:
  inter_trial_interval: 7s
  stall_timeout: 45m
camera:
  command: /opt/ptgrey/SessionVideo
  args: ["--preview"]
`
	path := filepath.Join(t.TempDir(), "homecage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Cage)
	assert.Equal(t, "/srv/cage3", cfg.DataDir)
	assert.Equal(t, "/dev/ttyACM1", cfg.Device.Port)
	assert.Equal(t, 7*time.Second, cfg.Session.InterTrialInterval)
	assert.Equal(t, 45*time.Minute, cfg.Session.StallTimeout)
	assert.Equal(t, "/opt/ptgrey/SessionVideo", cfg.Camera.Command)
	assert.Equal(t, []string{"--preview"}, cfg.Camera.Args)

	// Untouched fields keep their defaults.
	assert.Equal(t, 9600, cfg.Device.BaudRate)
	assert.Equal(t, Default().Camera.ReadyMarker, cfg.Camera.ReadyMarker)
}

func TestLoadConfigFrom_InvalidValuesReplaced(t *testing.T) {
	const content = `
cage: 0
session:
  inter_trial_interval: -5s
rfid:
  tag_length: 0
`
	path := filepath.Join(t.TempDir(), "homecage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadConfigFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cage")
	assert.Contains(t, err.Error(), "session.inter_trial_interval")

	def := Default()
	assert.Equal(t, def.Cage, cfg.Cage)
	assert.Equal(t, def.Session.InterTrialInterval, cfg.Session.InterTrialInterval)
	assert.Equal(t, def.RFID.TagLength, cfg.RFID.TagLength)
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homecage.yaml")

	cfg := Default()
	cfg.Cage = 5
	cfg.Device.Port = "/dev/ttyACM3"
	cfg.Session.StallTimeout = 12 * time.Minute
	assert.False(t, Exists(path))
	require.NoError(t, cfg.SaveTo(path))
	assert.True(t, Exists(path))

	loaded, err := LoadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
