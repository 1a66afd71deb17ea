package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// HostsYAML is a small hosts file used across tests
const HostsYAML = `
hosts:
  - name: h1
    password: p1
    alias: Host One
    location: us
    type: kvm
    monthstart: 1
    labels: "ndd=2025/12/31"
  - name: h2
    password: p2
    location: de
    notify: false
  - name: h3
    password: p3
    disabled: true
hosts_group:
  - gid: g1
    password: gp1
    location: jp
    type: lxc
notify:
  log:
    enabled: false
`

// TestFixture manages files in a per-test directory
type TestFixture struct {
	t   *testing.T
	dir string
}

// NewTestFixture creates a fixture rooted at t.TempDir()
func NewTestFixture(t *testing.T) *TestFixture {
	return &TestFixture{t: t, dir: t.TempDir()}
}

// Dir returns the fixture directory
func (f *TestFixture) Dir() string {
	return f.dir
}

// Path returns the absolute path of name inside the fixture
func (f *TestFixture) Path(name string) string {
	return filepath.Join(f.dir, name)
}

// WriteFile writes raw content and returns its path
func (f *TestFixture) WriteFile(name string, data []byte) string {
	path := f.Path(name)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(f.t, os.WriteFile(path, data, 0644))
	return path
}

// WriteYAML marshals v as YAML and returns the file path
func (f *TestFixture) WriteYAML(name string, v any) string {
	data, err := yaml.Marshal(v)
	require.NoError(f.t, err)
	return f.WriteFile(name, data)
}

// WriteJSON marshals v as JSON and returns the file path
func (f *TestFixture) WriteJSON(name string, v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(f.t, err)
	return f.WriteFile(name, data)
}

// ReadJSON decodes the named file into v
func (f *TestFixture) ReadJSON(name string, v any) {
	data, err := os.ReadFile(f.Path(name))
	require.NoError(f.t, err)
	require.NoError(f.t, json.Unmarshal(data, v))
}

// Exists reports whether name exists in the fixture
func (f *TestFixture) Exists(name string) bool {
	_, err := os.Stat(f.Path(name))
	return err == nil
}
