package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fieldops/internal/config"
	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/jobmanager"
	"github.com/ChuLiYu/fieldops/internal/payout"
	"github.com/ChuLiYu/fieldops/internal/storage/memory"
	"github.com/ChuLiYu/fieldops/internal/storage/wal"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

var capitol = types.Coordinates{Lat: 30.2747, Lng: -97.7404}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig writes a sqlite-backed config under a temp dir.
func writeConfig(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "fieldops.yaml")
	content := fmt.Sprintf(`
storage:
  driver: sqlite
  dsn: "file:%[1]s/fieldops.db?_busy_timeout=5000&_foreign_keys=on"
notifications:
  snapshot_path: %[1]s/queue.snapshot
  push:
    enabled: false
payout:
  weekday: friday
  hour: 17
  timezone: UTC
  methods:
    agent-a: "ach:****1234"
audit:
  wal_path: %[1]s/audit.wal
log:
  level: error
`, dir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dir
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "fieldops", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "payout", "notify", "sla", "distance", "audit", "import"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, config.DefaultPath, configFlag.DefValue)
}

func TestDistanceCommand(t *testing.T) {
	out, err := execute(t, "distance", "0", "0", "0", "1", "--unit", "km")
	require.NoError(t, err)
	assert.Equal(t, "111.19 km\n", out)

	out, err = execute(t, "distance", "30.2747", "-97.7404", "30.2747", "-97.7404")
	require.NoError(t, err)
	assert.Equal(t, "0.00 mi\n", out)

	_, err = execute(t, "distance", "91", "0", "0", "0")
	assert.Error(t, err)
	_, err = execute(t, "distance", "0", "0", "0", "0", "--unit", "furlongs")
	assert.Error(t, err)
	_, err = execute(t, "distance", "0", "0", "0")
	assert.Error(t, err)
}

func TestPayoutNextCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := execute(t, "-c", cfgPath, "payout", "next", "--from", "2026-03-09T10:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "run today: false")
	assert.Contains(t, out, "next run:  2026-03-13T17:00:00Z")

	_, err = execute(t, "-c", cfgPath, "payout", "next", "--from", "yesterday")
	assert.Error(t, err)
}

func TestImportThenStatus(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	registry := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(registry, []byte(`
properties:
  - id: prop-1
    location: {lat: 30.2747, lng: -97.7404}
    address_line1: 1100 Congress Ave
    city: Austin
    state: TX
    zip_code: "78701"
agents:
  - id: agent-a
    name: Ana
    email: ana@example.com
    home_base: {lat: 30.2747, lng: -97.7404}
    coverage_radius_miles: 20
  - id: agent-z
    name: Zed
    home_base: {lat: 30.5, lng: -97.7}
    coverage_radius_miles: 5
    active: false
`), 0o644))

	out, err := execute(t, "-c", cfgPath, "import", "-f", registry)
	require.NoError(t, err)
	assert.Equal(t, "imported 1 properties, 2 agents\n", out)

	out, err = execute(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Storage:         sqlite")
	assert.Contains(t, out, "schedule:      Friday 17:00 UTC")
	assert.Contains(t, out, "pending:       0")
}

func TestImportValidatesBeforeWriting(t *testing.T) {
	store := memory.New()
	in := &importFile{
		Properties: []importProperty{{ID: "prop-1", Location: capitol}},
		Agents:     []importAgent{{ID: "agent-a", HomeBase: types.Coordinates{Lat: 200}, CoverageRadiusMiles: 10}},
	}

	_, _, err := importRegistry(context.Background(), store, in)
	require.Error(t, err)

	_, err = store.GetProperty(context.Background(), "prop-1")
	assert.Error(t, err, "nothing is written when any entry is invalid")
}

// failingAgents accepts properties and rejects agent writes.
type failingAgents struct{ *memory.Store }

func (failingAgents) UpsertAgent(context.Context, *types.Agent) error {
	return errors.New("disk full")
}

func TestImportReportsPartialWrites(t *testing.T) {
	store := memory.New()
	in := &importFile{
		Properties: []importProperty{{ID: "prop-1", Location: capitol}, {ID: "prop-2", Location: capitol}},
		Agents:     []importAgent{{ID: "agent-a", HomeBase: capitol, CoverageRadiusMiles: 10}},
	}

	props, agents, err := importRegistry(context.Background(), failingAgents{store}, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import agent agent-a")
	assert.Contains(t, err.Error(), "2 properties, 0 agents written")
	assert.Equal(t, 2, props)
	assert.Zero(t, agents)

	_, err = store.GetProperty(context.Background(), "prop-2")
	assert.NoError(t, err)

	props, agents, err = importRegistry(context.Background(), store, in)
	require.NoError(t, err, "rerunning the same file completes the import")
	assert.Equal(t, 2, props)
	assert.Equal(t, 1, agents)
}

func TestPayoutRunCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	// Seed a completed job through the same wiring the daemon uses.
	a, err := buildApp(cfg, appOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.store.UpsertProperty(ctx, &types.Property{ID: "prop-1", Location: capitol}))
	require.NoError(t, a.store.UpsertAgent(ctx, &types.Agent{
		ID: "agent-a", Name: "Ana", Email: "ana@example.com", HomeBase: capitol, CoverageRadiusMiles: 20, Active: true,
	}))
	job, err := a.jobs.Create(ctx, jobmanager.CreateRequest{ScopePreset: types.ScopeComprehensive, PropertyID: "prop-1"})
	require.NoError(t, err)
	_, err = a.jobs.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	_, err = a.jobs.Accept(ctx, job.ID, "agent-a")
	require.NoError(t, err)
	_, err = a.jobs.Start(ctx, job.ID, "agent-a", capitol)
	require.NoError(t, err)
	for i := 0; i < jobmanager.DefaultMinEvidence; i++ {
		_, err = a.jobs.AddEvidence(ctx, job.ID, "agent-a", jobmanager.EvidenceRequest{URI: fmt.Sprintf("s3://e/%d", i)})
		require.NoError(t, err)
	}
	_, err = a.jobs.Submit(ctx, job.ID, "agent-a", "")
	require.NoError(t, err)
	_, _, err = a.jobs.Complete(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, a.persistQueue())
	a.close()

	out, err := execute(t, "-c", cfgPath, "payout", "run")
	require.NoError(t, err)
	var res payout.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.ProcessedCount)
	terms, _ := types.ScopeComprehensive.Terms()
	assert.Equal(t, terms.Payout, res.TotalAmount)

	out, err = execute(t, "-c", cfgPath, "payout", "run")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Zero(t, res.ProcessedCount, "earnings are claimed once")

	out, err = execute(t, "-c", cfgPath, "notify", "drain")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered 1, 0 still queued", "the JOB_AVAILABLE email survived the restart")

	out, err = execute(t, "-c", cfgPath, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "events, ok")
}

func TestAuditCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.wal")
	w, err := wal.NewWAL(path, true)
	require.NoError(t, err)
	_, err = w.Append(wal.EventJobCreated, "job-1", map[string]string{"scope": "EXTERIOR_ONLY"})
	require.NoError(t, err)
	_, err = w.Append(wal.EventJobTransition, "job-1", map[string]string{"from": "PENDING_DISPATCH", "to": "DISPATCHED"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := execute(t, "audit", "verify", "-f", path)
	require.NoError(t, err)
	assert.Equal(t, path+": 2 events, ok\n", out)

	out, err = execute(t, "audit", "dump", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "#1 ")
	assert.Contains(t, out, "JOB_TRANSITION job-1")
	assert.Contains(t, out, "to=DISPATCHED")
}

func TestSQLitePath(t *testing.T) {
	cases := map[string]string{
		"file:data/fieldops.db?_busy_timeout=5000": "data/fieldops.db",
		"data/fieldops.db":                         "data/fieldops.db",
		":memory:":                                 "",
		"file:test?mode=memory&cache=shared":       "",
	}
	for dsn, want := range cases {
		assert.Equal(t, want, sqlitePath(dsn), dsn)
	}
}
