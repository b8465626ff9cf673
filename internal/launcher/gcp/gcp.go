// Package gcp launches runnerguard JIT runners as Compute Engine VMs.
//
// Authentication uses Application Default Credentials. No credential
// fields exist in Config: an attached service account, Workload Identity
// Federation, GOOGLE_APPLICATION_CREDENTIALS or gcloud application-default
// login all work.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/runnerguard/internal/launcher"
)

// Instance metadata keys read by the runner image's startup script.
const (
	MetadataJITConfig = "ACTIONS_RUNNER_INPUT_JITCONFIG"

	managedByLabel = "managed-by"
	managedByValue = "runnerguard"
)

// Config holds GCP-specific launcher settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType defaults to "e2-medium".
	MachineType string

	// Image is the self-link or family URL of the runner image (required),
	// for example "projects/my-project/global/images/family/runnerguard-runner".
	Image string

	// DiskSizeGB is the boot disk size. Default: 50.
	DiskSizeGB int64

	// Network defaults to "default".
	Network string

	// Subnet is optional. Empty uses the zone's default subnet.
	Subnet string

	// PublicIP gives runner VMs an external IP.
	PublicIP bool

	// ServiceAccount is attached to runner VMs when set.
	ServiceAccount string
}

type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the part of compute.InstancesClient the launcher uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

type instancesClient struct {
	client *compute.InstancesClient
}

func (c *instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return c.client.Insert(ctx, req)
}

func (c *instancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return c.client.Delete(ctx, req)
}

func (c *instancesClient) Close() error {
	return c.client.Close()
}

// Launcher runs runners as Compute Engine VMs. The instance name doubles as
// the launch id.
type Launcher struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]struct{}

	tracer trace.Tracer
}

var _ launcher.Launcher = (*Launcher)(nil)

// New creates a launcher using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Launcher, error) {
	if cfg.Project == "" || cfg.Zone == "" || cfg.Image == "" {
		return nil, errors.New("gcp launcher requires project, zone and image")
	}
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp launcher initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)
	return newLauncher(&instancesClient{client: client}, cfg, logger), nil
}

func newLauncher(client instancesAPI, cfg Config, logger *slog.Logger) *Launcher {
	return &Launcher{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]struct{}),
		tracer:    otel.Tracer("runnerguard/launcher/gcp"),
	}
}

// instanceSpec builds the VM resource for a runner. The JIT config reaches
// the runner through instance metadata.
func instanceSpec(cfg Config, name, jitConfig string) *computepb.Instance {
	nic := &computepb.NetworkInterface{
		Network: proto.String("global/networks/" + cfg.Network),
	}
	if cfg.Subnet != "" {
		nic.Subnetwork = proto.String(cfg.Subnet)
	}
	if cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{{
			Name: proto.String("External NAT"),
			Type: proto.String("ONE_TO_ONE_NAT"),
		}}
	}

	instance := &computepb.Instance{
		Name:        proto.String(name),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", cfg.Zone, cfg.MachineType)),
		Labels:      map[string]string{managedByLabel: managedByValue},
		Disks: []*computepb.AttachedDisk{{
			AutoDelete: proto.Bool(true),
			Boot:       proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(cfg.Image),
				DiskSizeGb:  proto.Int64(cfg.DiskSizeGB),
				DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", cfg.Zone)),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{{
				Key:   proto.String(MetadataJITConfig),
				Value: proto.String(jitConfig),
			}},
		},
	}
	if cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{{
			Email:  proto.String(cfg.ServiceAccount),
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		}}
	}
	return instance
}

// Launch creates the VM and waits for the insert operation.
func (l *Launcher) Launch(ctx context.Context, name string, jitConfig string) (string, error) {
	ctx, span := l.tracer.Start(ctx, "launcher.gcp.Launch")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", name),
		attribute.String("gcp.project", l.cfg.Project),
		attribute.String("gcp.zone", l.cfg.Zone),
		attribute.String("gcp.machine_type", l.cfg.MachineType),
	)

	l.logger.Info("creating runner VM",
		slog.String("runner_name", name),
		slog.String("machine_type", l.cfg.MachineType),
		slog.String("zone", l.cfg.Zone),
	)

	op, err := l.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          l.cfg.Project,
		Zone:             l.cfg.Zone,
		InstanceResource: instanceSpec(l.cfg, name, jitConfig),
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}
	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	l.mu.Lock()
	l.instances[name] = struct{}{}
	l.mu.Unlock()

	l.logger.Info("runner VM started", slog.String("runner_name", name), slog.String("zone", l.cfg.Zone))
	return name, nil
}

// Destroy deletes the VM. Deleting a VM that no longer exists is not an
// error.
func (l *Launcher) Destroy(ctx context.Context, id string) error {
	ctx, span := l.tracer.Start(ctx, "launcher.gcp.Destroy")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", l.cfg.Project),
		attribute.String("gcp.zone", l.cfg.Zone),
	)

	op, err := l.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  l.cfg.Project,
		Zone:     l.cfg.Zone,
		Instance: id,
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	switch {
	case err == nil:
		l.logger.Info("runner VM destroyed", slog.String("instance", id))
	case isNotFound(err):
		span.AddEvent("instance already deleted")
		l.logger.Info("runner VM already deleted", slog.String("instance", id))
	default:
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	l.mu.Lock()
	delete(l.instances, id)
	l.mu.Unlock()
	return nil
}

// Shutdown deletes every VM this launcher created and closes the API
// client.
func (l *Launcher) Shutdown(ctx context.Context) error {
	ctx, span := l.tracer.Start(ctx, "launcher.gcp.Shutdown")
	defer span.End()

	l.mu.Lock()
	snapshot := maps.Clone(l.instances)
	l.mu.Unlock()

	span.SetAttributes(attribute.Int("gcp.instances_count", len(snapshot)))

	var firstErr error
	for name := range snapshot {
		if err := l.Destroy(ctx, name); err != nil {
			l.logger.Error("shutdown: failed to delete runner VM",
				slog.String("instance", name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := l.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// isNotFound reports whether err is a 404 from the Compute API, whether it
// surfaces as a googleapi.Error or a gax APIError.
func isNotFound(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound
	}
	var aerr *apierror.APIError
	if errors.As(err, &aerr) {
		return aerr.HTTPCode() == http.StatusNotFound
	}
	return false
}
