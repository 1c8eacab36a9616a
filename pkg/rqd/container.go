package rqd

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/log"
)

// DefaultNamespace is the containerd namespace frames run under.
const DefaultNamespace = "cueflow-rqd"

// DefaultSocketPath is the default containerd socket, overridable per host.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// minContainerMemoryBytes is the floor on a container's memory limit:
// values below this are clamped up rather than handed to the runtime.
const minContainerMemoryBytes = 6 << 20

// BindMount is one entry of the configured docker_mounts list.
type BindMount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerRunnerConfig collects the containerized-runner tunables: socket,
// namespace, image map, and bind mounts.
type ContainerRunnerConfig struct {
	SocketPath string
	Namespace  string
	// ImagesByOS maps a RunFrame's os field to the image reference used to
	// run it; DefaultImage is used when the os has no entry.
	ImagesByOS   map[string]string
	DefaultImage string
	Mounts       []BindMount
}

// ContainerRunner is the ProcessRunner that runs a frame as a containerd
// container instead of a bare OS process.
type ContainerRunner struct {
	client *containerd.Client
	cfg    ContainerRunnerConfig

	ns string

	mu     sync.Mutex
	exited map[string]uint32 // resource_id -> raw exit code, once reaped
}

// NewContainerRunner dials containerd at cfg.SocketPath (DefaultSocketPath
// if empty) and returns a runner scoped to cfg.Namespace.
func NewContainerRunner(cfg ContainerRunnerConfig) (*ContainerRunner, error) {
	socket := cfg.SocketPath
	if socket == "" {
		socket = DefaultSocketPath
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	client, err := containerd.New(socket)
	if err != nil {
		return nil, errs.Wrap(errs.KindAborted, "connect to containerd", err)
	}
	return &ContainerRunner{client: client, cfg: cfg, ns: ns, exited: make(map[string]uint32)}, nil
}

// Close releases the containerd client connection.
func (r *ContainerRunner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *ContainerRunner) image(osName string) string {
	if img, ok := r.cfg.ImagesByOS[osName]; ok && img != "" {
		return img
	}
	return r.cfg.DefaultImage
}

func containerName(jobName, resourceID string) string {
	return fmt.Sprintf("frame_%s_%s", jobName, resourceID)
}

// Spawn pulls the OS-mapped image, builds an OCI spec applying bind mounts,
// /dev/fuse, and the frame's hard memory limit (floored at 6 MB), and starts
// the container attached to stdout. The soft memory limit is not passed to
// the container. The container is named
// frame_<job>_<resource_id> and removed on exit (auto-remove semantics are
// implemented by Kill/reap, since containerd has no built-in --rm).
func (r *ContainerRunner) Spawn(ctx context.Context, frame *RunningFrame) (int32, error) {
	ctx = namespaces.WithNamespace(ctx, r.ns)

	imageRef := r.image(frame.OS)
	if imageRef == "" {
		return 0, errs.New(errs.KindAborted, "no container image configured for os "+frame.OS)
	}

	image, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return 0, errs.Wrap(errs.KindAborted, "pull frame image "+imageRef, err)
	}

	memLimit := frame.HardMemoryLimit
	if memLimit < minContainerMemoryBytes {
		memLimit = minContainerMemoryBytes
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs("/bin/sh", "-c", frame.Command),
		oci.WithEnv(envSlice(frame.Environment)),
		oci.WithMemoryLimit(uint64(memLimit)),
	}

	mounts := []specs.Mount{
		{Source: "/dev/fuse", Destination: "/dev/fuse", Type: "bind", Options: []string{"rbind"}},
	}
	for _, m := range r.cfg.Mounts {
		opt := []string{"rbind"}
		if m.ReadOnly {
			opt = append(opt, "ro")
		}
		mounts = append(mounts, specs.Mount{Source: m.Source, Destination: m.Destination, Type: "bind", Options: opt})
	}
	opts = append(opts, oci.WithMounts(mounts))

	name := containerName(frame.JobName, frame.ResourceID)
	ctr, err := r.client.NewContainer(ctx, name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return 0, errs.Wrap(errs.KindAborted, "create frame container", err)
	}
	frame.ContainerID = ctr.ID()

	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		_ = ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return 0, errs.Wrap(errs.KindAborted, "create frame container task", err)
	}
	if err := task.Start(ctx); err != nil {
		_ = ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return 0, errs.Wrap(errs.KindAborted, "start frame container task", err)
	}

	// The reaper must outlive the launch RPC's context, which cancels as
	// soon as the RPC returns.
	reapCtx := namespaces.WithNamespace(context.Background(), r.ns)
	go r.reapOnExit(reapCtx, ctr, task, frame.ResourceID)

	return int32(task.Pid()), nil
}

// reapOnExit waits for the container's task to exit, records its raw exit
// code for Wait to pick up, and removes the container and its snapshot —
// the auto-remove behavior since containerd has no native
// equivalent to `docker run --rm`.
func (r *ContainerRunner) reapOnExit(ctx context.Context, ctr containerd.Container, task containerd.Task, resourceID string) {
	var raw uint32
	statusC, err := task.Wait(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Str("container", ctr.ID()).Msg("failed to wait on frame container task")
	} else if status := <-statusC; status.Error() == nil {
		raw = status.ExitCode()
	}
	_, _ = task.Delete(ctx)
	_ = ctr.Delete(ctx, containerd.WithSnapshotCleanup)

	r.mu.Lock()
	r.exited[resourceID] = raw
	r.mu.Unlock()
}

// Wait reports whether frame's container task has exited. On the first
// observed exit it returns the raw (undecoded) exit code and done=true,
// leaving the >128-is-a-signal decode to RunningFrame.Exit so both runners
// share one decode path; the recorded code is consumed so a second call
// reports done=false.
func (r *ContainerRunner) Wait(ctx context.Context, frame *RunningFrame) (int32, bool, error) {
	r.mu.Lock()
	raw, ok := r.exited[frame.ResourceID]
	if ok {
		delete(r.exited, frame.ResourceID)
	}
	r.mu.Unlock()
	if !ok {
		return 0, false, nil
	}
	return int32(raw), true, nil
}

// Kill sends SIGTERM (or SIGKILL when force) to the container's task.
func (r *ContainerRunner) Kill(ctx context.Context, frame *RunningFrame, force bool) error {
	if frame.ContainerID == "" {
		return errs.New(errs.KindReservationNotFound, "frame has no container to kill")
	}
	ctx = namespaces.WithNamespace(ctx, r.ns)
	ctr, err := r.client.LoadContainer(ctx, frame.ContainerID)
	if err != nil {
		return errs.Wrap(errs.KindAborted, "load frame container", err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil // no task means it already exited
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return task.Kill(ctx, sig)
}
