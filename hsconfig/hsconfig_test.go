/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package hsconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hotsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadValidConfig(t *testing.T) {
	path := writeTemp(t, `
profiles:
  - name: visor
    device: /dev/ttyUSB0
    baud_rate: 115200
`)
	cfg, err := Read(path)
	require.NoError(t, err)
	require.Len(t, cfg.Profiles, 1)
	require.Equal(t, "visor", cfg.Profiles[0].Name)
	require.NotEmpty(t, cfg.KnownUSBDevices)
}

func TestReadRejectsProfileWithoutTarget(t *testing.T) {
	path := writeTemp(t, `
profiles:
  - name: broken
`)
	_, err := Read(path)
	require.Error(t, err)
}

func TestReadRejectsMissingName(t *testing.T) {
	path := writeTemp(t, `
profiles:
  - device: /dev/ttyS0
`)
	_, err := Read(path)
	require.Error(t, err)
}

func TestFindUSBKnownAndUnknown(t *testing.T) {
	cfg := &Config{KnownUSBDevices: DefaultKnownUSBDevices}
	name, ok := cfg.FindUSB(0x082d, 0x0100)
	require.True(t, ok)
	require.Equal(t, "Handspring Visor", name)

	_, ok = cfg.FindUSB(0xFFFF, 0xFFFF)
	require.False(t, ok)
}
