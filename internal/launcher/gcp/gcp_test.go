package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/googleapi"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeOperation struct {
	err error
}

func (o *fakeOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return o.err
}

type fakeInstances struct {
	mu sync.Mutex

	inserts []*computepb.InsertInstanceRequest
	deletes []*computepb.DeleteInstanceRequest
	closed  bool

	insertErr error
	insertOp  operationWaiter
	deleteErr error
	deleteOp  operationWaiter
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{insertOp: &fakeOperation{}, deleteOp: &fakeOperation{}}
}

func (f *fakeInstances) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, req)
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return f.insertOp, nil
}

func (f *fakeInstances) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, req)
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return f.deleteOp, nil
}

func (f *fakeInstances) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var notFound = &googleapi.Error{Code: http.StatusNotFound, Message: "The resource was not found"}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type GCPLauncherSuite struct {
	suite.Suite
	ctx    context.Context
	client *fakeInstances
	logger *slog.Logger
	cfg    Config
}

func (s *GCPLauncherSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newFakeInstances()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project:     "test-project",
		Zone:        "us-central1-a",
		MachineType: "e2-medium",
		Image:       "projects/test-project/global/images/runner-image",
		DiskSizeGB:  50,
		Network:     "default",
		PublicIP:    true,
	}
}

func (s *GCPLauncherSuite) newLauncher() *Launcher {
	return newLauncher(s.client, s.cfg, s.logger)
}

func (s *GCPLauncherSuite) tracked(l *Launcher) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	for name := range l.instances {
		names = append(names, name)
	}
	return names
}

func TestGCPLauncherSuite(t *testing.T) {
	suite.Run(t, new(GCPLauncherSuite))
}

// ---------------------------------------------------------------------------
// Launch
// ---------------------------------------------------------------------------

func (s *GCPLauncherSuite) TestLaunch() {
	l := s.newLauncher()

	id, err := l.Launch(s.ctx, "rg-abc123", "base64-jit-config")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "rg-abc123", id)
	assert.Equal(s.T(), []string{"rg-abc123"}, s.tracked(l))

	require.Len(s.T(), s.client.inserts, 1)
	req := s.client.inserts[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), "rg-abc123", inst.GetName())
	assert.Equal(s.T(), "zones/us-central1-a/machineTypes/e2-medium", inst.GetMachineType())
	assert.Equal(s.T(), "runnerguard", inst.GetLabels()["managed-by"])

	items := inst.GetMetadata().GetItems()
	require.Len(s.T(), items, 1)
	assert.Equal(s.T(), MetadataJITConfig, items[0].GetKey())
	assert.Equal(s.T(), "base64-jit-config", items[0].GetValue())
}

func (s *GCPLauncherSuite) TestLaunch_Errors() {
	s.client.insertErr = errors.New("quota exceeded")
	l := s.newLauncher()

	_, err := l.Launch(s.ctx, "rg-fail", "jit")
	assert.ErrorContains(s.T(), err, "quota exceeded")
	assert.Empty(s.T(), s.tracked(l))

	s.client.insertErr = nil
	s.client.insertOp = &fakeOperation{err: errors.New("operation timed out")}
	_, err = l.Launch(s.ctx, "rg-timeout", "jit")
	assert.ErrorContains(s.T(), err, "operation timed out")
	assert.Empty(s.T(), s.tracked(l))
}

func TestInstanceSpec(t *testing.T) {
	base := Config{
		Project:     "p",
		Zone:        "europe-north1-a",
		MachineType: "e2-medium",
		Image:       "projects/p/global/images/family/runner",
		DiskSizeGB:  100,
		Network:     "runners",
	}

	t.Run("disk", func(t *testing.T) {
		inst := instanceSpec(base, "r", "jit")
		require.Len(t, inst.GetDisks(), 1)
		disk := inst.GetDisks()[0]
		assert.True(t, disk.GetAutoDelete())
		assert.True(t, disk.GetBoot())
		assert.Equal(t, int64(100), disk.GetInitializeParams().GetDiskSizeGb())
		assert.Equal(t, base.Image, disk.GetInitializeParams().GetSourceImage())
		assert.Equal(t, "zones/europe-north1-a/diskTypes/pd-ssd", disk.GetInitializeParams().GetDiskType())
	})

	t.Run("private network", func(t *testing.T) {
		nic := instanceSpec(base, "r", "jit").GetNetworkInterfaces()[0]
		assert.Equal(t, "global/networks/runners", nic.GetNetwork())
		assert.Empty(t, nic.GetAccessConfigs())
		assert.Empty(t, nic.GetSubnetwork())
	})

	t.Run("public ip and subnet", func(t *testing.T) {
		cfg := base
		cfg.PublicIP = true
		cfg.Subnet = "projects/p/regions/europe-north1/subnetworks/runners"
		nic := instanceSpec(cfg, "r", "jit").GetNetworkInterfaces()[0]
		assert.Len(t, nic.GetAccessConfigs(), 1)
		assert.Equal(t, cfg.Subnet, nic.GetSubnetwork())
	})

	t.Run("service account", func(t *testing.T) {
		assert.Empty(t, instanceSpec(base, "r", "jit").GetServiceAccounts())

		cfg := base
		cfg.ServiceAccount = "runner@p.iam.gserviceaccount.com"
		sas := instanceSpec(cfg, "r", "jit").GetServiceAccounts()
		require.Len(t, sas, 1)
		assert.Equal(t, cfg.ServiceAccount, sas[0].GetEmail())
		assert.Contains(t, sas[0].GetScopes(), "https://www.googleapis.com/auth/cloud-platform")
	})
}

// ---------------------------------------------------------------------------
// Destroy
// ---------------------------------------------------------------------------

func (s *GCPLauncherSuite) TestDestroy() {
	l := s.newLauncher()
	_, err := l.Launch(s.ctx, "rg-destroy", "jit")
	require.NoError(s.T(), err)

	require.NoError(s.T(), l.Destroy(s.ctx, "rg-destroy"))

	require.Len(s.T(), s.client.deletes, 1)
	req := s.client.deletes[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "rg-destroy", req.GetInstance())
	assert.Empty(s.T(), s.tracked(l))
}

func (s *GCPLauncherSuite) TestDestroy_NotFoundOnDelete() {
	s.client.deleteErr = fmt.Errorf("delete: %w", notFound)
	l := s.newLauncher()
	l.instances["rg-gone"] = struct{}{}

	require.NoError(s.T(), l.Destroy(s.ctx, "rg-gone"))
	assert.Empty(s.T(), s.tracked(l))
}

func (s *GCPLauncherSuite) TestDestroy_NotFoundOnWait() {
	s.client.deleteOp = &fakeOperation{err: notFound}
	l := s.newLauncher()

	assert.NoError(s.T(), l.Destroy(s.ctx, "rg-race"))
}

func (s *GCPLauncherSuite) TestDestroy_Error() {
	s.client.deleteErr = &googleapi.Error{Code: http.StatusForbidden, Message: "permission denied"}
	l := s.newLauncher()
	l.instances["rg-perms"] = struct{}{}

	err := l.Destroy(s.ctx, "rg-perms")
	assert.ErrorContains(s.T(), err, "permission denied")
	assert.Equal(s.T(), []string{"rg-perms"}, s.tracked(l))
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func (s *GCPLauncherSuite) TestShutdown() {
	l := s.newLauncher()
	for i := range 3 {
		_, err := l.Launch(s.ctx, fmt.Sprintf("rg-%d", i), "jit")
		require.NoError(s.T(), err)
	}

	require.NoError(s.T(), l.Shutdown(s.ctx))
	assert.Len(s.T(), s.client.deletes, 3)
	assert.Empty(s.T(), s.tracked(l))
	assert.True(s.T(), s.client.closed)
}

func (s *GCPLauncherSuite) TestShutdown_Empty() {
	l := s.newLauncher()

	require.NoError(s.T(), l.Shutdown(s.ctx))
	assert.Empty(s.T(), s.client.deletes)
	assert.True(s.T(), s.client.closed)
}

func (s *GCPLauncherSuite) TestShutdown_PartialFailure() {
	l := s.newLauncher()
	_, err := l.Launch(s.ctx, "rg-a", "jit")
	require.NoError(s.T(), err)
	_, err = l.Launch(s.ctx, "rg-b", "jit")
	require.NoError(s.T(), err)

	s.client.deleteErr = errors.New("network error")

	err = l.Shutdown(s.ctx)
	assert.ErrorContains(s.T(), err, "network error")
	assert.Len(s.T(), s.client.deletes, 2)
	assert.True(s.T(), s.client.closed)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"googleapi 404", notFound, true},
		{"wrapped googleapi 404", fmt.Errorf("wait: %w", notFound), true},
		{"googleapi 500", &googleapi.Error{Code: http.StatusInternalServerError}, false},
		{"plain error", errors.New("notFound"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}

func TestNew_RequiresProjectZoneImage(t *testing.T) {
	_, err := New(context.Background(), Config{Project: "p"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
