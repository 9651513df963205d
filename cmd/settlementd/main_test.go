package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/settlement"
	"settlement-engine/pkg/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { logging.SetGlobal(nil) })

	path := filepath.Join(t.TempDir(), "settlementd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n  output_paths: [stderr]\n"), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", path}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSweepCommand(t *testing.T) {
	out, err := run(t, "sweep")
	require.NoError(t, err)

	var report settlement.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.NotEmpty(t, report.RunID)
	assert.Zero(t, report.Processed)
}

func TestInspectUnknownInvestment(t *testing.T) {
	_, err := run(t, "inspect", "inv-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInspectRequiresID(t *testing.T) {
	_, err := run(t, "inspect")
	assert.Error(t, err)
}

func TestInspectBadInstant(t *testing.T) {
	_, err := run(t, "inspect", "inv-1", "--at", "yesterday")
	assert.Error(t, err)
}

func TestUnknownConfigFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "sweep"})
	cmd.SetOut(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
