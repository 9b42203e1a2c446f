package docker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-sh/caravel/internal/core/convergence"
)

// =============================================================================
// Test Helpers
// =============================================================================

// These tests exercise the client against a real daemon and skip when none
// is reachable.

func skipIfNoDocker(t *testing.T) *Client {
	t.Helper()
	cli, err := NewClient("")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	return cli
}

func cleanupContainer(t *testing.T, cli *Client, containerID string) {
	t.Helper()
	ctx := context.Background()
	cli.StopContainer(ctx, containerID, 5*time.Second)
	cli.RemoveContainer(ctx, containerID, RemoveOptions{Force: true, RemoveVolumes: true})
}

// Test container name prefix to identify test containers
const testPrefix = "caravel-test-"

const testImage = "alpine:latest"

func pullTestImage(t *testing.T, cli *Client) {
	t.Helper()
	require.NoError(t, cli.PullImage(context.Background(), testImage, PullOptions{}))
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestNewClient_InvalidHost(t *testing.T) {
	cli, err := NewClient("tcp://256.256.256.256:0")
	if err == nil {
		// Client creation is lazy; ping must fail.
		defer cli.Close()
		assert.Error(t, cli.Ping(context.Background()))
	}
}

func TestPing(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	assert.NoError(t, cli.Ping(context.Background()))
}

// =============================================================================
// Container Lifecycle Tests
// =============================================================================

func TestContainerLifecycle(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	pullTestImage(t, cli)
	ctx := context.Background()

	spec := ContainerSpec{
		Name:    testPrefix + "lifecycle",
		Image:   testImage,
		Command: []string{"sleep", "60"},
		Labels: map[string]string{
			convergence.LabelManaged:    "true",
			convergence.LabelProject:    "caraveltest",
			convergence.LabelService:    "lifecycle",
			convergence.LabelNumber:     "1",
			convergence.LabelConfigHash: "deadbeef",
		},
	}

	id, err := cli.CreateContainer(ctx, spec)
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	require.NoError(t, cli.StartContainer(ctx, id))

	rec, err := cli.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "lifecycle", rec.Service)
	assert.Equal(t, 1, rec.Number)
	assert.Equal(t, "deadbeef", rec.Fingerprint)
	assert.True(t, rec.IsRunning())

	require.NoError(t, cli.StopContainer(ctx, id, 5*time.Second))

	rec, err = cli.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.IsRunning())

	require.NoError(t, cli.RemoveContainer(ctx, id, RemoveOptions{Force: true}))

	_, err = cli.InspectContainer(ctx, id)
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestListContainers_LabelFilter(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	pullTestImage(t, cli)
	ctx := context.Background()

	spec := ContainerSpec{
		Name:  testPrefix + "listed",
		Image: testImage,
		Labels: map[string]string{
			convergence.LabelProject: "caraveltest-list",
			convergence.LabelService: "listed",
			convergence.LabelNumber:  "1",
		},
	}
	id, err := cli.CreateContainer(ctx, spec)
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	records, err := cli.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: map[string]string{"label": convergence.LabelProject + "=caraveltest-list"},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "listed", records[0].Service)
	assert.Equal(t, testPrefix+"listed", records[0].Name)
}

func TestStartContainer_NotFound(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	err := cli.StartContainer(context.Background(), "caravel-does-not-exist")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

// =============================================================================
// Network and Volume Tests
// =============================================================================

func TestEnsureNetwork_Idempotent(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	spec := NetworkSpec{Name: testPrefix + "net"}
	first, err := cli.EnsureNetwork(ctx, spec)
	require.NoError(t, err)
	defer cli.RemoveNetwork(ctx, first)

	second, err := cli.EnsureNetwork(ctx, spec)
	require.NoError(t, err)
	assert.NotEmpty(t, second)
}

func TestEnsureVolume_Idempotent(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	spec := VolumeSpec{Name: testPrefix + "vol"}
	first, err := cli.EnsureVolume(ctx, spec)
	require.NoError(t, err)
	defer cli.RemoveVolume(ctx, first, true)

	second, err := cli.EnsureVolume(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// =============================================================================
// Image Tests
// =============================================================================

func TestImageExists(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	pullTestImage(t, cli)

	exists, err := cli.ImageExists(context.Background(), testImage)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = cli.ImageExists(context.Background(), "caravel/does-not-exist:never")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPullImage_NotFound(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	err := cli.PullImage(context.Background(), "caravel/does-not-exist:never", PullOptions{})
	require.Error(t, err)
}

// =============================================================================
// Error Type Tests
// =============================================================================

func TestRuntimeError_Format(t *testing.T) {
	err := NewRuntimeError("StartContainer", "container", "abc123", "boom", ErrContainerNotFound)
	assert.Equal(t, "StartContainer container abc123: boom", err.Error())
	assert.ErrorIs(t, err, ErrContainerNotFound)

	noID := NewRuntimeError("Ping", "", "", "down", ErrConnectionFailed)
	assert.Equal(t, "Ping: down", noID.Error())
}
