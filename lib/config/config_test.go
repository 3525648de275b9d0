/*
Copyright 2024 Fission Internet Software

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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[server]
listen_addr = "127.0.0.1:1337"
origin = "fission.test"
key_file = "/var/lib/fission/key.pem"

[database]
url = "postgres://fission@localhost/fission"

[dns]
listen_addr = "127.0.0.1:5354"
forwarder = "9.9.9.9:53"

[email]
domain = "mg.fission.test"
api_key = "key-abc"
sender = "no-reply@fission.test"
`

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fission.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	fc, err := ReadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:1337", fc.Server.ListenAddr)
	require.Equal(t, "fission.test", fc.Server.Origin)
	require.Equal(t, "postgres://fission@localhost/fission", fc.Database.URL)
	require.Equal(t, "9.9.9.9:53", fc.DNS.Forwarder)
	require.Equal(t, "mg.fission.test", fc.Email.Domain)
	require.False(t, fc.Server.Debug)
}

func TestReadConfigFileMissing(t *testing.T) {
	_, err := ReadConfigFile("/does/not/exist.toml")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	// An empty path means env-only configuration.
	fc, err := ReadConfigFile("")
	require.NoError(t, err)
	require.Equal(t, &FileConfig{}, fc)
}

func TestReadConfigFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nlisten"), 0o600))
	_, err := ReadConfigFile(path)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"ORIGIN", "env.test")
	t.Setenv(EnvPrefix+"DATABASE__URL", "postgres://env")
	t.Setenv(EnvPrefix+"DEBUG", "true")
	t.Setenv("UNRELATED", "ignored")

	fc := &FileConfig{}
	fc.Server.Origin = "file.test"
	require.NoError(t, fc.ApplyEnv())
	require.Equal(t, "env.test", fc.Server.Origin, "env wins over file")
	require.Equal(t, "postgres://env", fc.Database.URL)
	require.True(t, fc.Server.Debug)
}

func TestApplyEnvRejectsBadBool(t *testing.T) {
	t.Setenv(EnvPrefix+"DEBUG", "maybe")
	err := (&FileConfig{}).ApplyEnv()
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}
