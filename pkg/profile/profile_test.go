package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/homecage/pkg/device"
)

const profilesYAML = `
animals:
  - rfid: 002FBE737B99
    name: Jim Kirk
    arm: Left
    difficulty: 3
  - rfid: 0782b182d6
    name: Yuri Gagarin
    arm: right
    difficulty: 0
  - rfid: 0782B17DE9
    name: Elon Musk
    arm: up
    difficulty: 2
  - name: No Tag
    arm: left
`

func writeProfiles(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeProfiles(t, t.TempDir(), profilesYAML)

	r, err := Load(path, nil)
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "002FBE737B99", all[0].Tag)
	assert.Equal(t, "0782B182D6", all[1].Tag)

	p, ok := r.Lookup("002fbe737b99 ")
	require.True(t, ok)
	assert.Equal(t, "Jim Kirk", p.Name)
	assert.Equal(t, device.Left, p.Side)
	assert.Equal(t, 3, p.Difficulty)

	_, ok = r.Lookup("0782B17DE9")
	assert.False(t, ok, "invalid arm must be skipped")

	_, ok = r.Lookup("FFFFFFFFFFFF")
	assert.False(t, ok)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestReload_KeepsProfilesOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := writeProfiles(t, dir, profilesYAML)

	r, err := Load(path, nil)
	require.NoError(t, err)

	writeProfiles(t, dir, "animals: [unclosed")
	assert.Error(t, r.Reload())

	_, ok := r.Lookup("002FBE737B99")
	assert.True(t, ok)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeProfiles(t, dir, profilesYAML)

	r, err := Load(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Watch(ctx)
		close(done)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeProfiles(t, dir, `
animals:
  - rfid: "5643564457"
    name: Captain Picard
    arm: right
    difficulty: 6
`)

	require.Eventually(t, func() bool {
		_, ok := r.Lookup("5643564457")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	_, ok := r.Lookup("002FBE737B99")
	assert.False(t, ok)

	cancel()
	<-done
}

func TestWatch_MissingDirectoryKeepsProfiles(t *testing.T) {
	dir := t.TempDir()
	path := writeProfiles(t, dir, profilesYAML)

	r, err := Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	done := make(chan struct{})
	go func() {
		r.Watch(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch blocked on a missing directory")
	}
	_, ok := r.Lookup("002FBE737B99")
	assert.True(t, ok)
}
