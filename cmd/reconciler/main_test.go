package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testofthings/reconciler-go/internal/repository"
)

const testTopology = `
name: home
hosts:
  - name: Camera
    type: device
    hw: ["00:00:00:00:00:01"]
    ip: ["192.168.0.2"]
    connects:
      - host: Cloud
        protocol: tls
  - name: Cloud
    type: backend
    dns: ["cloud.example.com"]
    ip: ["203.0.113.7"]
`

const testFlows = `{"protocol": "tcp", "source": {"hw": "00:00:00:00:00:01", "ip": "192.168.0.2", "port": 40000}, "target": {"ip": "203.0.113.7", "port": 443}}
`

const testClaims = `
claims:
  - at: "203.0.113.7|ip/tcp:443"
    key: "check:encryption"
    verdict: pass
`

func writeTestFiles(t *testing.T) (topology, flows, claims string) {
	t.Helper()
	dir := t.TempDir()
	topology = filepath.Join(dir, "topology.yaml")
	flows = filepath.Join(dir, "flows.log")
	claims = filepath.Join(dir, "claims.yaml")
	require.NoError(t, os.WriteFile(topology, []byte(testTopology), 0o644))
	require.NoError(t, os.WriteFile(flows, []byte(testFlows), 0o644))
	require.NoError(t, os.WriteFile(claims, []byte(testClaims), 0o644))
	return topology, flows, claims
}

func TestReconcileCommand_TableOutput(t *testing.T) {
	topology, flows, claims := writeTestFiles(t)

	var out, logOut bytes.Buffer
	cmd := newRootCmd(&DependencyProvider{Out: &out, LogOut: &logOut})
	cmd.SetArgs([]string{"reconcile", topology, "--flows", flows, "--claims", claims})
	require.NoError(t, cmd.Execute())

	output := out.String()
	assert.Contains(t, output, "System: home")
	assert.Contains(t, output, "Camera")
	assert.Contains(t, output, "Cloud")
	assert.Contains(t, output, "Pass")
	assert.Contains(t, output, "flows.log")
}

func TestReconcileCommand_CSVOutput(t *testing.T) {
	topology, flows, _ := writeTestFiles(t)

	var out bytes.Buffer
	cmd := newRootCmd(&DependencyProvider{Out: &out, LogOut: &bytes.Buffer{}})
	cmd.SetArgs([]string{"reconcile", topology, "--flows", flows, "--format", "csv"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "kind,name,addresses,status,verdict,seen_by")
	assert.Contains(t, out.String(), "connection,Camera => ")
}

func TestReconcileCommand_Persists(t *testing.T) {
	topology, flows, _ := writeTestFiles(t)
	dbPath := filepath.Join(t.TempDir(), "result.db")

	cmd := newRootCmd(&DependencyProvider{Out: &bytes.Buffer{}, LogOut: &bytes.Buffer{}})
	cmd.SetArgs([]string{"reconcile", topology, "--flows", flows, "--db-path", dbPath})
	require.NoError(t, cmd.Execute())

	repo, err := repository.NewSQLiteRepository(dbPath)
	require.NoError(t, err)
	defer repo.Close()

	hosts, err := repo.Hosts()
	require.NoError(t, err)
	assert.Len(t, hosts, 2)

	events, err := repo.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "flows", events[0].Kind)
	assert.Equal(t, "flows.log", events[0].Source)
}

func TestReconcileCommand_BadFormat(t *testing.T) {
	topology, _, _ := writeTestFiles(t)

	cmd := newRootCmd(&DependencyProvider{Out: &bytes.Buffer{}, LogOut: &bytes.Buffer{}})
	cmd.SetArgs([]string{"reconcile", topology, "--format", "xml"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	require.ErrorContains(t, cmd.Execute(), "unknown output format")
}

func TestReconcileCommand_MissingTopology(t *testing.T) {
	cmd := newRootCmd(&DependencyProvider{Out: &bytes.Buffer{}, LogOut: &bytes.Buffer{}})
	cmd.SetArgs([]string{"reconcile", "/nonexistent/topology.yaml"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	require.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&DependencyProvider{Out: &out})
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.NotEmpty(t, out.String())
}
