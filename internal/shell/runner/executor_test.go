package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-sh/caravel/internal/core/compose"
	"github.com/caravel-sh/caravel/internal/core/convergence"
	"github.com/caravel-sh/caravel/internal/core/graph"
	"github.com/caravel-sh/caravel/internal/shell/docker"
)

// =============================================================================
// Fake Runtime Client
// =============================================================================

// fakeClient is an in-memory RuntimeClient that records every call in
// order. Tests steer it with per-container failure injection and blocking
// gates.
type fakeClient struct {
	mu       sync.Mutex
	calls    []string
	nextID   int
	observed []convergence.ContainerRecord

	failCreate map[string]bool          // container name -> fail
	failStart  map[string]bool          // container name -> fail
	blockStart map[string]chan struct{} // container name -> gate released by test
	started    map[string]chan struct{} // container name -> closed when start begins

	parallel    int
	maxParallel int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		failCreate: make(map[string]bool),
		failStart:  make(map[string]bool),
		blockStart: make(map[string]chan struct{}),
		started:    make(map[string]chan struct{}),
	}
}

func (f *fakeClient) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// callIndex returns the position of the first recorded call containing
// substr, or -1.
func (f *fakeClient) callIndex(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if strings.Contains(c, substr) {
			return i
		}
	}
	return -1
}

func (f *fakeClient) enter() {
	f.mu.Lock()
	f.parallel++
	if f.parallel > f.maxParallel {
		f.maxParallel = f.parallel
	}
	f.mu.Unlock()
}

func (f *fakeClient) leave() {
	f.mu.Lock()
	f.parallel--
	f.mu.Unlock()
}

func (f *fakeClient) ListContainers(ctx context.Context, opts docker.ListOptions) ([]convergence.ContainerRecord, error) {
	f.record("list")
	return f.observed, nil
}

func (f *fakeClient) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	f.enter()
	defer f.leave()
	time.Sleep(2 * time.Millisecond) // widen the race window for the bound check

	if f.failCreate[spec.Name] {
		f.record("create-failed %s", spec.Name)
		return "", docker.NewRuntimeError("CreateContainer", "container", spec.Name, "injected", docker.ErrConnectionFailed)
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("id-%d", f.nextID)
	f.calls = append(f.calls, "create "+spec.Name)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeClient) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	gate := f.blockStart[containerID]
	begun := f.started[containerID]
	f.mu.Unlock()
	if begun != nil {
		close(begun)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.record("start-cancelled %s", containerID)
			return ctx.Err()
		}
	}
	if f.failStart[containerID] {
		f.record("start-failed %s", containerID)
		return docker.NewRuntimeError("StartContainer", "container", containerID, "injected", docker.ErrConnectionFailed)
	}
	f.record("start %s", containerID)
	return nil
}

func (f *fakeClient) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	f.record("stop %s", containerID)
	return nil
}

func (f *fakeClient) RemoveContainer(ctx context.Context, containerID string, opts docker.RemoveOptions) error {
	f.record("remove %s", containerID)
	return nil
}

func (f *fakeClient) InspectContainer(ctx context.Context, containerID string) (*convergence.ContainerRecord, error) {
	return &convergence.ContainerRecord{ID: containerID, State: convergence.StateRunning}, nil
}

func (f *fakeClient) EnsureNetwork(ctx context.Context, spec docker.NetworkSpec) (string, error) {
	f.record("ensure-network %s", spec.Name)
	return spec.Name, nil
}

func (f *fakeClient) RemoveNetwork(ctx context.Context, networkID string) error {
	f.record("remove-network %s", networkID)
	return nil
}

func (f *fakeClient) EnsureVolume(ctx context.Context, spec docker.VolumeSpec) (string, error) {
	f.record("ensure-volume %s", spec.Name)
	return spec.Name, nil
}

func (f *fakeClient) RemoveVolume(ctx context.Context, volumeName string, force bool) error {
	f.record("remove-volume %s", volumeName)
	return nil
}

func (f *fakeClient) PullImage(ctx context.Context, image string, opts docker.PullOptions) error {
	f.record("pull %s", image)
	return nil
}

func (f *fakeClient) ImageExists(ctx context.Context, image string) (bool, error) {
	return true, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                   { return nil }

var _ docker.RuntimeClient = (*fakeClient)(nil)

// =============================================================================
// Test Helpers
// =============================================================================

func plannedProject(t *testing.T, observed convergence.ObservedState, services ...compose.Service) (*compose.ParsedSpec, *graph.Graph, *convergence.Plan) {
	t.Helper()
	spec := &compose.ParsedSpec{Services: services}
	g, err := graph.Build(services)
	require.NoError(t, err)
	plan, err := convergence.BuildPlan("proj", spec, g, observed, convergence.Options{})
	require.NoError(t, err)
	return spec, g, plan
}

func newTestExecutor(client docker.RuntimeClient, concurrency int) *Executor {
	return New(client, Config{Concurrency: concurrency, StopTimeout: time.Second}, nil)
}

// =============================================================================
// Up Tests
// =============================================================================

func TestUp_FreshProject_AllSucceed(t *testing.T) {
	fake := newFakeClient()
	spec, g, plan := plannedProject(t, nil,
		compose.Service{Name: "web", Image: "nginx", DependsOn: []string{"db"}},
		compose.Service{Name: "db", Image: "postgres"},
	)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	report, err := exec.Up(context.Background(), spec, g, plan)
	require.NoError(t, err)

	assert.True(t, report.Success())
	assert.Equal(t, 2, report.Succeeded())
	assert.NotEmpty(t, report.RunID)
}

func TestUp_DependencyOrdering(t *testing.T) {
	fake := newFakeClient()
	spec, g, plan := plannedProject(t, nil,
		compose.Service{Name: "web", Image: "nginx", DependsOn: []string{"db"}},
		compose.Service{Name: "db", Image: "postgres"},
	)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	report, err := exec.Up(context.Background(), spec, g, plan)
	require.NoError(t, err)
	require.True(t, report.Success())

	dbStarted := fake.callIndex("start ") // first start is db's container
	webCreated := fake.callIndex("create proj_web_1")
	require.GreaterOrEqual(t, dbStarted, 0)
	require.GreaterOrEqual(t, webCreated, 0)
	assert.Less(t, dbStarted, webCreated,
		"web must not be created before db has fully started")
}

func TestUp_FailurePropagatesToSkip(t *testing.T) {
	fake := newFakeClient()
	fake.failCreate["proj_db_1"] = true
	spec, g, plan := plannedProject(t, nil,
		compose.Service{Name: "web", Image: "nginx", DependsOn: []string{"api"}},
		compose.Service{Name: "api", Image: "api", DependsOn: []string{"db"}},
		compose.Service{Name: "db", Image: "postgres"},
	)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	report, err := exec.Up(context.Background(), spec, g, plan)
	require.NoError(t, err)

	assert.False(t, report.Success())
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 2, report.Skipped())

	db, _ := report.OutcomeFor("db")
	assert.Equal(t, StatusFailed, db.Status)

	for _, name := range []string{"api", "web"} {
		o, _ := report.OutcomeFor(name)
		assert.Equal(t, StatusSkipped, o.Status, name)
		assert.ErrorIs(t, o.Err, ErrDependencyFailed)
	}

	// Skipped services were never attempted.
	assert.Equal(t, -1, fake.callIndex("create proj_api_1"))
	assert.Equal(t, -1, fake.callIndex("create proj_web_1"))
}

func TestUp_IndependentFailureDoesNotAffectSiblings(t *testing.T) {
	fake := newFakeClient()
	fake.failCreate["proj_bad_1"] = true
	spec, g, plan := plannedProject(t, nil,
		compose.Service{Name: "bad", Image: "bad"},
		compose.Service{Name: "good", Image: "good"},
	)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	report, err := exec.Up(context.Background(), spec, g, plan)
	require.NoError(t, err)

	good, _ := report.OutcomeFor("good")
	assert.Equal(t, StatusSucceeded, good.Status)
	bad, _ := report.OutcomeFor("bad")
	assert.Equal(t, StatusFailed, bad.Status)
}

func TestUp_ConcurrencyBound(t *testing.T) {
	fake := newFakeClient()
	var services []compose.Service
	for i := 0; i < 8; i++ {
		services = append(services, compose.Service{
			Name:  fmt.Sprintf("s%d", i),
			Image: "img",
		})
	}
	spec, g, plan := plannedProject(t, nil, services...)

	exec := newTestExecutor(fake, 2)
	defer exec.Close()
	report, err := exec.Up(context.Background(), spec, g, plan)
	require.NoError(t, err)
	require.True(t, report.Success())

	assert.LessOrEqual(t, fake.maxParallel, 2,
		"no more than the configured number of services may run at once")
}

func TestUp_VolumesFromGatesOnExistenceNotSuccess(t *testing.T) {
	fake := newFakeClient()
	// data's first container blocks in start until released; its id is
	// id-1 because it is created first.
	gate := make(chan struct{})
	begun := make(chan struct{})
	fake.blockStart["id-1"] = gate
	fake.started["id-1"] = begun

	spec, g, plan := plannedProject(t, nil,
		compose.Service{Name: "data", Image: "busybox"},
		compose.Service{Name: "app", Image: "app", VolumesFrom: []string{"data"}},
	)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()

	done := make(chan *Report, 1)
	go func() {
		report, err := exec.Up(context.Background(), spec, g, plan)
		require.NoError(t, err)
		done <- report
	}()

	<-begun // data created, now blocked in start

	// app only needs data's container to exist, so it gets created while
	// data is still starting.
	require.Eventually(t, func() bool {
		return fake.callIndex("create proj_app_1") >= 0
	}, time.Second, 5*time.Millisecond)

	close(gate)
	report := <-done
	assert.True(t, report.Success())
}

func TestUp_CancellationSkipsPendingKeepsSucceeded(t *testing.T) {
	fake := newFakeClient()
	gate := make(chan struct{})
	begun := make(chan struct{})

	spec, g, plan := plannedProject(t, nil,
		compose.Service{Name: "db", Image: "postgres"},
		compose.Service{Name: "api", Image: "api", DependsOn: []string{"db"}},
		compose.Service{Name: "web", Image: "nginx", DependsOn: []string{"api"}},
	)

	// api's container is created second (db first in dependency order).
	fake.blockStart["id-2"] = gate
	fake.started["id-2"] = begun

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newTestExecutor(fake, 4)
	defer exec.Close()

	done := make(chan *Report, 1)
	go func() {
		report, err := exec.Up(ctx, spec, g, plan)
		require.NoError(t, err)
		done <- report
	}()

	<-begun // db succeeded, api in flight
	cancel()
	close(gate)
	report := <-done

	db, _ := report.OutcomeFor("db")
	assert.Equal(t, StatusSucceeded, db.Status, "completed work survives cancellation")

	api, _ := report.OutcomeFor("api")
	assert.Equal(t, StatusCancelled, api.Status)

	web, _ := report.OutcomeFor("web")
	assert.NotEqual(t, StatusSucceeded, web.Status)
	assert.Equal(t, -1, fake.callIndex("create proj_web_1"),
		"pending service must never be dispatched after cancellation")

	assert.False(t, report.Success())
}

func TestUp_RecreateRemovesOldBeforeCreate(t *testing.T) {
	fake := newFakeClient()
	observed := convergence.ObservedState{
		"web": {{
			ID: "old-web", Name: "proj_web_1", Service: "web",
			Number: 1, Fingerprint: "stale", State: convergence.StateRunning,
		}},
	}
	spec, g, plan := plannedProject(t, observed,
		compose.Service{Name: "web", Image: "nginx"},
	)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	report, err := exec.Up(context.Background(), spec, g, plan)
	require.NoError(t, err)
	require.True(t, report.Success())

	stopOld := fake.callIndex("stop old-web")
	removeOld := fake.callIndex("remove old-web")
	createNew := fake.callIndex("create proj_web_1")
	require.GreaterOrEqual(t, stopOld, 0)
	assert.Less(t, stopOld, removeOld)
	assert.Less(t, removeOld, createNew)
}

func TestUp_EnsuresNetworksAndVolumes(t *testing.T) {
	fake := newFakeClient()
	services := []compose.Service{{Name: "db", Image: "postgres", Networks: []string{"backend"},
		Volumes: []compose.VolumeMount{{Type: compose.VolumeMountTypeVolume, Source: "pgdata", Target: "/var/lib/postgresql/data"}}}}
	spec := &compose.ParsedSpec{
		Services: services,
		Networks: []compose.Network{{Name: "backend"}},
		Volumes:  []compose.Volume{{Name: "pgdata"}},
	}
	g, err := graph.Build(services)
	require.NoError(t, err)
	plan, err := convergence.BuildPlan("proj", spec, g, nil, convergence.Options{})
	require.NoError(t, err)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	report, err := exec.Up(context.Background(), spec, g, plan)
	require.NoError(t, err)
	require.True(t, report.Success())

	assert.GreaterOrEqual(t, fake.callIndex("ensure-network proj_backend"), 0)
	assert.GreaterOrEqual(t, fake.callIndex("ensure-volume proj_pgdata"), 0)
	assert.Less(t, fake.callIndex("ensure-network proj_backend"), fake.callIndex("create proj_db_1"))
}

// =============================================================================
// Stop and Down Tests
// =============================================================================

func runningObserved() []convergence.ContainerRecord {
	return []convergence.ContainerRecord{
		{ID: "c-db", Name: "proj_db_1", Service: "db", Number: 1, State: convergence.StateRunning},
		{ID: "c-web", Name: "proj_web_1", Service: "web", Number: 1, State: convergence.StateRunning},
	}
}

func TestStop_ReverseDependencyOrder(t *testing.T) {
	fake := newFakeClient()
	fake.observed = runningObserved()

	services := []compose.Service{
		{Name: "web", Image: "nginx", DependsOn: []string{"db"}},
		{Name: "db", Image: "postgres"},
	}
	g, err := graph.Build(services)
	require.NoError(t, err)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	require.NoError(t, exec.Stop(context.Background(), "proj", g))

	stopWeb := fake.callIndex("stop c-web")
	stopDB := fake.callIndex("stop c-db")
	require.GreaterOrEqual(t, stopWeb, 0)
	require.GreaterOrEqual(t, stopDB, 0)
	assert.Less(t, stopWeb, stopDB, "dependents stop before their dependencies")
}

func TestDown_RemovesContainersNetworksAndVolumes(t *testing.T) {
	fake := newFakeClient()
	fake.observed = runningObserved()

	services := []compose.Service{
		{Name: "web", Image: "nginx", DependsOn: []string{"db"}},
		{Name: "db", Image: "postgres"},
	}
	spec := &compose.ParsedSpec{
		Services: services,
		Networks: []compose.Network{{Name: "default"}},
		Volumes:  []compose.Volume{{Name: "pgdata"}},
	}
	g, err := graph.Build(services)
	require.NoError(t, err)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	require.NoError(t, exec.Down(context.Background(), "proj", spec, g, DownOptions{RemoveVolumes: true}))

	assert.Less(t, fake.callIndex("remove c-web"), fake.callIndex("remove c-db"))
	assert.GreaterOrEqual(t, fake.callIndex("remove-network proj_default"), 0)
	assert.GreaterOrEqual(t, fake.callIndex("remove-volume proj_pgdata"), 0)
}

func TestDown_KeepsVolumesByDefault(t *testing.T) {
	fake := newFakeClient()
	fake.observed = runningObserved()

	services := []compose.Service{
		{Name: "web", Image: "nginx"},
		{Name: "db", Image: "postgres"},
	}
	spec := &compose.ParsedSpec{
		Services: services,
		Volumes:  []compose.Volume{{Name: "pgdata"}},
	}
	g, err := graph.Build(services)
	require.NoError(t, err)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	require.NoError(t, exec.Down(context.Background(), "proj", spec, g, DownOptions{}))

	assert.Equal(t, -1, fake.callIndex("remove-volume"))
}

func TestStart_DependencyOrder(t *testing.T) {
	fake := newFakeClient()
	fake.observed = []convergence.ContainerRecord{
		{ID: "c-db", Name: "proj_db_1", Service: "db", Number: 1, State: convergence.StateExited},
		{ID: "c-web", Name: "proj_web_1", Service: "web", Number: 1, State: convergence.StateExited},
	}

	services := []compose.Service{
		{Name: "web", Image: "nginx", DependsOn: []string{"db"}},
		{Name: "db", Image: "postgres"},
	}
	g, err := graph.Build(services)
	require.NoError(t, err)

	exec := newTestExecutor(fake, 4)
	defer exec.Close()
	require.NoError(t, exec.Start(context.Background(), "proj", g))

	assert.Less(t, fake.callIndex("start c-db"), fake.callIndex("start c-web"))
}
