package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`selectors:
  - name: uploads
    categories: [upload]
    provide_groups: true
    min_interval_ms: 50
    policy: trailing
`), 0644))

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", cfgFile})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "1 selector(s)")
	assert.Contains(t, out.String(), "uploads: interval=50ms policy=trailing groups=true")
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`selectors:
  - name: "has space"
`), 0644))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "-c", cfgFile})

	assert.Error(t, cmd.Execute())
}
