package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fpgaoffload/archive"
	"fpgaoffload/config"
	"fpgaoffload/discovery"
	"fpgaoffload/models"
	"fpgaoffload/network"
	"fpgaoffload/remote"
)

// OffloadSimulator is the simulator name that supports remote offload.
const OffloadSimulator = "fpgaoffload"

var (
	// ErrBuilt indicates Build was called twice on one instance.
	ErrBuilt = errors.New("ensemble: already built")
	// ErrNotBuilt indicates use of an instance before Build.
	ErrNotBuilt = errors.New("ensemble: not built")
	// ErrClosed indicates use of a closed instance.
	ErrClosed = errors.New("ensemble: closed")
	// ErrInvalidSpec indicates a malformed ensemble description.
	ErrInvalidSpec = errors.New("ensemble: invalid spec")
)

// Logger is the logging surface used by the coordinator.
type Logger interface {
	Printf(format string, args ...any)
}

// SocketOptions tunes the datagram channel of a remote instance.
type SocketOptions struct {
	RecvTimeout     time.Duration
	RecvTimeoutMax  time.Duration
	IgnoreTimestamp bool
	// RemoteDT is the board's step in seconds. Zero means the local step.
	RemoteDT  float64
	LossLimit int
	ByteOrder string
}

// Spec declares one offloadable ensemble.
type Spec struct {
	Label  string
	Device string

	NNeurons         int
	InputDimensions  int
	OutputDimensions int
	NeuronType       string
	LearningRate     float64
	Seed             int64

	// Feedback adds a recurrent connection when set.
	Feedback *FeedbackSpec
	// OutputTau is the lowpass time constant on the output port. Zero
	// disables the output filter.
	OutputTau float64

	Socket SocketOptions
}

func (s Spec) validate() error {
	if s.NNeurons <= 0 {
		return fmt.Errorf("%w: neuron count must be positive, got %d", ErrInvalidSpec, s.NNeurons)
	}
	if s.InputDimensions <= 0 || s.OutputDimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got %d in and %d out",
			ErrInvalidSpec, s.InputDimensions, s.OutputDimensions)
	}
	if s.OutputTau < 0 {
		return fmt.Errorf("%w: output tau must not be negative", ErrInvalidSpec)
	}
	if s.Feedback != nil {
		return s.Feedback.validate(s.InputDimensions)
	}
	return nil
}

// Simulator identifies the driver that will step the instance.
type Simulator struct {
	Name            string
	SupportsOffload bool
	DT              float64
}

// OffloadCapable returns the simulator description of the offload driver.
func OffloadCapable(dt float64) Simulator {
	return Simulator{Name: OffloadSimulator, SupportsOffload: true, DT: dt}
}

// DeviceLookup resolves device profiles. *config.Store implements it.
type DeviceLookup interface {
	Lookup(name string) (config.DeviceProfile, error)
	Host() config.HostConfig
}

// EventSink records runs and diagnostics. *storage.Store implements it.
type EventSink interface {
	StartRun(run models.Run) error
	FinishRun(runID, status, errText string) error
	LogEvent(event models.RunEvent) error
}

// Options wires an instance to its collaborators.
type Options struct {
	Devices      DeviceLookup
	Params       ParamBuilder
	Reachability discovery.Reachability
	Events       EventSink
	Logger       Logger

	// ArchiveDir holds parameter archives until they are uploaded.
	ArchiveDir string
	KeysDir    string

	// Transport overrides the SSH transport for a profile.
	Transport func(config.DeviceProfile) remote.Transport

	// Rand draws auto-assigned ports. Nil uses the package source.
	Rand *rand.Rand
}

func (o Options) withDefaults() Options {
	if o.Params == nil {
		o.Params = RandomParams{}
	}
	if o.Reachability == nil {
		o.Reachability = discovery.AssumeReachable{}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.ArchiveDir == "" {
		o.ArchiveDir = os.TempDir()
	}
	return o
}

// Coordinator owns one offloaded ensemble: its sealed network, and in remote
// mode the parameter archive, datagram channel and launcher. Step is driven
// by the single simulation goroutine.
type Coordinator struct {
	spec Spec
	opts Options
	id   string

	profile   config.DeviceProfile
	found     bool
	lookupErr error
	hostIP    string
	port      int
	autoPort  bool

	network      *Network
	inputFilter  *lowpass
	errorFilter  *lowpass
	outputFilter *lowpass
	combined     []float64

	dt          float64
	params      archive.Params
	mode        string
	diagnostic  string
	local       *LocalEnsemble
	channel     *network.Channel
	launcher    *remote.Launcher
	archivePath string

	mu       sync.Mutex
	built    bool
	closed   bool
	fault    error
	closeErr error
}

// New resolves the device profile, assigns the datagram port and assembles
// the sealed network. A missing device is not an error here; Build falls back
// to local computation.
func New(spec Spec, opts Options) (*Coordinator, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if spec.Label == "" {
		spec.Label = spec.Device
	}

	c := &Coordinator{
		spec:   spec,
		opts:   opts,
		id:     uuid.NewString(),
		hostIP: config.DefaultHostIP,
	}

	if opts.Devices == nil {
		c.lookupErr = fmt.Errorf("%w: %q (no device configuration)", config.ErrDeviceNotFound, spec.Device)
	} else {
		c.profile, c.lookupErr = opts.Devices.Lookup(spec.Device)
		c.found = c.lookupErr == nil
		if ip := opts.Devices.Host().IP; ip != "" {
			c.hostIP = ip
		}
	}

	if c.found {
		port, auto, err := reservePort(c.profile.UDPPort, opts.Rand)
		if err != nil {
			return nil, err
		}
		c.port = port
		c.autoPort = auto
	}

	din, dout := spec.InputDimensions, spec.OutputDimensions
	c.network = newNetwork(spec.Label, din, dout)
	c.inputFilter = newLowpass(0, din)
	c.errorFilter = newLowpass(0, dout)
	c.combined = make([]float64, din+dout)
	parts := []Part{c.inputFilter, c.errorFilter, stage{c}}
	if spec.OutputTau > 0 {
		c.outputFilter = newLowpass(spec.OutputTau, dout)
		parts = append(parts, c.outputFilter)
	}
	for _, part := range parts {
		if err := c.network.Add(part); err != nil {
			return nil, err
		}
	}
	c.network.seal()

	return c, nil
}

// stage is the network part that exchanges with the board or runs the local
// ensemble.
type stage struct {
	c *Coordinator
}

func (s stage) PartName() string {
	if s.c.mode == models.ModeRemote {
		return "exchange " + s.c.profile.Address
	}
	return "exchange"
}

// ID returns the instance identifier used in archive names and run records.
func (c *Coordinator) ID() string {
	return c.id
}

// Network returns the sealed network with its input, error and output ports.
func (c *Coordinator) Network() *Network {
	return c.network
}

// Port returns the datagram port, or zero when no device was found.
func (c *Coordinator) Port() int {
	return c.port
}

// Mode returns models.ModeRemote or models.ModeLocal once built.
func (c *Coordinator) Mode() string {
	return c.mode
}

// Diagnostic explains why the instance runs locally. It is empty in remote
// mode.
func (c *Coordinator) Diagnostic() string {
	return c.diagnostic
}

// Params returns the resolved parameters once built.
func (c *Coordinator) Params() archive.Params {
	return c.params
}

// Build resolves parameters and decides the execution mode. Remote mode is
// used only when sim supports offload, the device was found and it is
// reachable. Unsupported model features fail before any file or socket is
// created.
func (c *Coordinator) Build(ctx context.Context, sim Simulator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.built {
		return ErrBuilt
	}

	c.dt = sim.DT
	if c.dt <= 0 {
		c.dt = network.DefaultDT
	}

	params, err := c.opts.Params.BuildParams(c.spec, c.dt)
	if err != nil {
		return fmt.Errorf("build parameters for %q: %w", c.spec.Label, err)
	}
	params.Sim.DT = c.dt
	if err := params.Validate(); err != nil {
		return fmt.Errorf("build %q: %w", c.spec.Label, err)
	}
	ens := params.Ensemble
	if ens.InputDimensions != c.spec.InputDimensions || ens.OutputDimensions != c.spec.OutputDimensions {
		return fmt.Errorf("build %q: %w: parameters are %d in, %d out, declared %d in, %d out",
			c.spec.Label, archive.ErrInvalidShape, ens.InputDimensions, ens.OutputDimensions,
			c.spec.InputDimensions, c.spec.OutputDimensions)
	}
	c.params = params

	reason := c.downgradeReason(ctx, sim)
	if reason == "" {
		if err := c.buildRemote(ctx); err != nil {
			return err
		}
	} else if err := c.buildLocal(reason); err != nil {
		return err
	}

	c.built = true
	c.startRun()
	return nil
}

func (c *Coordinator) downgradeReason(ctx context.Context, sim Simulator) string {
	var reasons []string
	if !sim.SupportsOffload {
		reasons = append(reasons, fmt.Sprintf("simulator %q does not support offload", sim.Name))
	}
	if !c.found {
		reasons = append(reasons, fmt.Sprintf("could not find device %q: %v", c.spec.Device, c.lookupErr))
	} else if err := c.opts.Reachability.Check(ctx, c.profile); err != nil {
		reasons = append(reasons, fmt.Sprintf("device %q is not reachable: %v", c.spec.Device, err))
	}
	return strings.Join(reasons, "; ")
}

func (c *Coordinator) buildLocal(reason string) error {
	local, err := NewLocalEnsemble(c.params)
	if err != nil {
		return fmt.Errorf("build %q: %w", c.spec.Label, err)
	}
	c.local = local
	c.mode = models.ModeLocal
	c.diagnostic = reason
	c.opts.Logger.Printf("ensemble: WARNING: building %q with a local (non-offloaded) ensemble: %s", c.spec.Label, reason)
	return nil
}

func (c *Coordinator) buildRemote(ctx context.Context) error {
	c.archivePath = filepath.Join(c.opts.ArchiveDir, archive.FileName(c.id))
	if err := archive.Write(c.archivePath, c.params); err != nil {
		return fmt.Errorf("build %q: %w", c.spec.Label, err)
	}

	channel, err := c.openChannel(ctx)
	if err != nil {
		c.removeArchive()
		return fmt.Errorf("build %q: %w", c.spec.Label, err)
	}
	c.channel = channel

	var transport remote.Transport
	if c.opts.Transport != nil {
		transport = c.opts.Transport(c.profile)
	}
	c.launcher = remote.NewLauncher(c.profile, true, remote.Options{
		Transport:   transport,
		KeysDir:     c.opts.KeysDir,
		HostIP:      c.hostIP,
		UDPPort:     c.port,
		Seed:        c.spec.Seed,
		ArchivePath: c.archivePath,
		Channel:     channel,
		OnFault:     c.onFault,
		Logger:      c.opts.Logger,
	})
	c.mode = models.ModeRemote
	c.opts.Logger.Printf("ensemble: %q offloaded to %s (udp %d)", c.spec.Label, c.profile.Address, c.port)
	return nil
}

func (c *Coordinator) openChannel(ctx context.Context) (*network.Channel, error) {
	socket := c.spec.Socket
	portText := strconv.Itoa(c.port)
	return network.Open(ctx, network.Endpoint{
		LocalAddr:       net.JoinHostPort(c.hostIP, portText),
		RemoteAddr:      net.JoinHostPort(c.profile.Address, portText),
		SendDims:        c.spec.InputDimensions + c.spec.OutputDimensions,
		RecvDims:        c.spec.OutputDimensions,
		RecvTimeout:     socket.RecvTimeout,
		RecvTimeoutMax:  socket.RecvTimeoutMax,
		IgnoreTimestamp: socket.IgnoreTimestamp,
		DT:              c.dt,
		RemoteDT:        socket.RemoteDT,
		LossLimit:       socket.LossLimit,
		ByteOrder:       socket.ByteOrder,
		Logger:          c.opts.Logger,
	})
}

// Start launches the remote program in the background. It returns at once and
// does nothing in local mode.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.built {
		return ErrNotBuilt
	}
	if c.launcher == nil {
		return nil
	}
	return c.launcher.Connect()
}

// Step advances one tick at simulation time t. It filters the input and error
// ports, exchanges [input | error] with the board (or runs the local
// ensemble) and writes the output port. A lost datagram is not an error; a
// fault reported by the remote program is.
func (c *Coordinator) Step(t float64) ([]float64, error) {
	if err := c.stepErr(); err != nil {
		return nil, err
	}

	din := c.spec.InputDimensions
	input := c.inputFilter.step(c.dt, c.network.Input.Values())
	errorSignal := c.errorFilter.step(c.dt, c.network.Error.Values())

	var out []float64
	if c.mode == models.ModeRemote {
		copy(c.combined[:din], input)
		copy(c.combined[din:], errorSignal)
		received, err := c.channel.Step(t, c.combined)
		if err != nil {
			if fault := c.currentFault(); fault != nil {
				return nil, fault
			}
			return nil, err
		}
		out = received
	} else {
		out = c.local.Step(input, errorSignal)
	}

	if c.outputFilter != nil {
		out = c.outputFilter.step(c.dt, out)
	}
	if err := c.network.Output.Set(out); err != nil {
		return nil, err
	}
	return c.network.Output.Values(), nil
}

func (c *Coordinator) stepErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case !c.built:
		return ErrNotBuilt
	case c.fault != nil:
		return c.fault
	}
	return nil
}

func (c *Coordinator) currentFault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

func (c *Coordinator) onFault(err error) {
	c.mu.Lock()
	c.fault = err
	c.mu.Unlock()

	severity := models.SeverityWarning
	var remoteErr *remote.RemoteError
	if errors.As(err, &remoteErr) {
		severity = models.SeverityCritical
	}
	c.logEvent(models.EventKindRemoteFault, severity, err.Error())
}

// Wait blocks until the remote program exits and returns its fault. It
// returns at once in local mode.
func (c *Coordinator) Wait() error {
	if c.launcher == nil {
		return nil
	}
	return c.launcher.Wait()
}

// Close stops the remote program, closes the datagram channel and releases
// the port. It returns the remote fault, if any, and is safe to call more
// than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.closed = true
	launcher, channel := c.launcher, c.channel
	c.mu.Unlock()

	var errs []error
	if launcher != nil {
		errs = append(errs, launcher.Close())
	}
	if channel != nil {
		errs = append(errs, channel.Close())
	}
	c.removeArchive()
	if c.autoPort {
		releasePort(c.port)
	}

	c.mu.Lock()
	if c.fault != nil && !containsErr(errs, c.fault) {
		errs = append(errs, c.fault)
	}
	c.closeErr = errors.Join(errs...)
	err := c.closeErr
	built := c.built
	c.mu.Unlock()

	if built {
		c.finishRun(err)
	}
	return err
}

// Reset restarts the instance from its initial parameters. In remote mode the
// remote program is stopped, the archive rewritten and the program started
// again on the same port.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.built {
		return ErrNotBuilt
	}

	c.inputFilter.reset()
	c.errorFilter.reset()
	if c.outputFilter != nil {
		c.outputFilter.reset()
	}
	c.network.Output.reset()

	if c.mode == models.ModeLocal {
		c.local.Reset()
		return nil
	}

	// Close takes the launcher's own lock; the fault callback may need ours.
	c.mu.Unlock()
	closeErr := c.launcher.Close()
	c.mu.Lock()

	c.fault = nil
	if err := archive.Write(c.archivePath, c.params); err != nil {
		return errors.Join(closeErr, fmt.Errorf("reset %q: %w", c.spec.Label, err))
	}
	channel, err := c.openChannel(ctx)
	if err != nil {
		return errors.Join(closeErr, fmt.Errorf("reset %q: %w", c.spec.Label, err))
	}
	c.channel = channel
	c.launcher.Attach(channel)
	return errors.Join(closeErr, c.launcher.Connect())
}

func (c *Coordinator) removeArchive() {
	if c.archivePath == "" {
		return
	}
	if err := os.Remove(c.archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.opts.Logger.Printf("ensemble: remove archive %s: %v", c.archivePath, err)
	}
}

func (c *Coordinator) startRun() {
	if c.opts.Events == nil {
		return
	}
	if err := c.opts.Events.StartRun(models.Run{
		RunID:  c.id,
		Device: c.spec.Device,
		Mode:   c.mode,
		Status: models.RunStatusRunning,
	}); err != nil {
		c.opts.Logger.Printf("ensemble: record run %s: %v", c.id, err)
		return
	}
	if c.mode == models.ModeLocal {
		c.logEvent(models.EventKindFallback, models.SeverityWarning, c.diagnostic)
		return
	}
	c.logEvent(models.EventKindBuild, models.SeverityInfo,
		fmt.Sprintf("offloaded to %s, udp port %d", c.profile.Address, c.port))
}

func (c *Coordinator) finishRun(err error) {
	if c.opts.Events == nil {
		return
	}
	status, text := models.RunStatusCompleted, ""
	if err != nil {
		status, text = models.RunStatusFailed, err.Error()
	}
	c.logEvent(models.EventKindClosed, models.SeverityInfo, "closed")
	if err := c.opts.Events.FinishRun(c.id, status, text); err != nil {
		c.opts.Logger.Printf("ensemble: finish run %s: %v", c.id, err)
	}
}

func (c *Coordinator) logEvent(kind, severity, message string) {
	if c.opts.Events == nil {
		return
	}
	if err := c.opts.Events.LogEvent(models.RunEvent{
		RunID:    c.id,
		Device:   c.spec.Device,
		Kind:     kind,
		Severity: severity,
		Message:  message,
	}); err != nil {
		c.opts.Logger.Printf("ensemble: record %s event: %v", kind, err)
	}
}

func containsErr(errs []error, target error) bool {
	for _, err := range errs {
		if err == target {
			return true
		}
	}
	return false
}
