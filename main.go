package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fpgaoffload/config"
	"fpgaoffload/crypto"
	"fpgaoffload/discovery"
	"fpgaoffload/ensemble"
	"fpgaoffload/models"
	"fpgaoffload/remote"
	"fpgaoffload/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: fpgaoffload <devices|check|discover|keygen|history|run|loopback> [flags]", msg)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "devices":
		return runDevices(args[1:], out)
	case "check":
		return runCheck(ctx, args[1:], out)
	case "discover":
		return runDiscover(ctx, args[1:], out)
	case "keygen":
		return runKeygen(args[1:], out)
	case "history":
		return runHistory(args[1:], out)
	case "run":
		return runRun(ctx, args[1:], out)
	case "loopback":
		return runLoopback(ctx, args[1:], out)
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func loadDevices() (*config.Store, error) {
	store := config.NewStore(config.DefaultLayerPaths()...)
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("load device configuration: %w", err)
	}
	return store, nil
}

func runDevices(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	devices, err := loadDevices()
	if err != nil {
		return err
	}
	for _, path := range devices.LoadedFiles() {
		fmt.Fprintf(out, "# %s\n", path)
	}
	fmt.Fprintf(out, "host ip: %s\n", devices.Host().IP)
	for _, name := range devices.Devices() {
		profile, err := devices.Lookup(name)
		if err != nil {
			fmt.Fprintf(out, "%-16s invalid: %v\n", name, err)
			continue
		}
		udp := "auto"
		if profile.UDPPort > 0 {
			udp = fmt.Sprint(profile.UDPPort)
		}
		fmt.Fprintf(out, "%-16s %s@%s udp=%s sudo=%t\n", name, profile.SSHUser, profile.ControlAddr(), udp, profile.UseSudo)
	}
	return nil
}

func runCheck(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	timeout := fs.Duration("timeout", discovery.DefaultProbeTimeout, "control port probe timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("check needs a device name")
	}

	devices, err := loadDevices()
	if err != nil {
		return err
	}
	profile, err := devices.Lookup(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := (discovery.ProbeReachable{Timeout: *timeout}).Check(ctx, profile); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s reachable at %s\n", profile.Name, profile.ControlAddr())
	return nil
}

func runDiscover(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	timeout := fs.Duration("timeout", discovery.DefaultScanTimeout, "scan window")
	advertisePort := fs.Int("advertise-port", 0, "also advertise this host on the given port while scanning")
	watch := fs.Bool("watch", false, "keep scanning and print boards as they appear and disappear")
	interval := fs.Duration("interval", discovery.DefaultRefreshInterval, "time between scans with -watch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, _, err := config.LoadOrCreateHostSettings()
	if err != nil {
		return err
	}

	cfg := discovery.Config{HostID: settings.HostID, ScanTimeout: *timeout, RefreshInterval: *interval}
	if *advertisePort > 0 {
		name, _ := os.Hostname()
		cfg.InstanceName = name
		cfg.Port = *advertisePort
		broadcaster, err := discovery.Advertise(cfg)
		if err != nil {
			log.Printf("discovery: advertise failed: %v", err)
		} else {
			defer broadcaster.Stop()
		}
	}

	if *watch {
		scanner, err := discovery.NewBoardScanner(cfg)
		if err != nil {
			return err
		}
		watchBoards(ctx, scanner, out)
		return nil
	}

	boards, err := discovery.Browse(ctx, cfg)
	if err != nil {
		return err
	}
	if len(boards) == 0 {
		fmt.Fprintln(out, "no boards found")
		return nil
	}
	for _, board := range boards {
		fmt.Fprintf(out, "%-24s %v ssh=%d profile=%s\n", board.Instance, board.Addresses, board.SSHPort, board.Profile)
	}
	return nil
}

func watchBoards(ctx context.Context, scanner *discovery.BoardScanner, out io.Writer) {
	events := scanner.Watch(ctx, func(err error) {
		log.Printf("discovery: scan failed: %v", err)
	})
	for event := range events {
		board := event.Board
		switch event.Type {
		case discovery.EventBoardRemoved:
			fmt.Fprintf(out, "- %s\n", board.Instance)
		default:
			fmt.Fprintf(out, "+ %-22s %v ssh=%d profile=%s\n", board.Instance, board.Addresses, board.SSHPort, board.Profile)
		}
	}
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, _, err := config.LoadOrCreateHostSettings()
	if err != nil {
		return err
	}
	signer, err := crypto.EnsureClientKey(settings.KeysDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Key File:     %s\n", filepath.Join(settings.KeysDir, crypto.ClientKeyFileName))
	fmt.Fprintf(out, "Fingerprint:  %s\n", crypto.FormatFingerprint(crypto.Fingerprint(signer.PublicKey())))
	fmt.Fprintln(out, crypto.AuthorizedKey(signer.PublicKey()))
	return nil
}

func openHistory() (*storage.Store, *config.HostSettings, error) {
	settings, _, err := config.LoadOrCreateHostSettings()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.OpenPath(settings.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return store, settings, nil
}

func closeHistory(store *storage.Store) {
	if err := store.Close(); err != nil {
		log.Printf("database close error: %v", err)
	}
}

func runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of runs and events to show")
	device := fs.String("device", "", "only show events for this device")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, _, err := openHistory()
	if err != nil {
		return err
	}
	defer closeHistory(store)

	runs, err := store.ListRuns(*limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		started := time.UnixMilli(r.StartedAt).Format(time.DateTime)
		fmt.Fprintf(out, "%s %-8s %-6s %-9s %s %s\n", started, r.Device, r.Mode, r.Status, r.RunID, r.Error)
	}

	events, err := store.GetEvents(storage.EventFilter{Device: *device, Limit: *limit})
	if err != nil {
		return err
	}
	for _, event := range events {
		at := time.UnixMilli(event.Timestamp).Format(time.DateTime)
		fmt.Fprintf(out, "%s [%s] %s %s: %s\n", at, event.Severity, event.Device, event.Kind, event.Message)
	}
	return nil
}

type runFlags struct {
	neurons  *int
	inDims   *int
	outDims  *int
	steps    *int
	dt       *float64
	seed     *int64
	rate     *float64
	timeout  *time.Duration
	probe    *bool
	feedback *float64
}

func addRunFlags(fs *flag.FlagSet) runFlags {
	return runFlags{
		neurons:  fs.Int("neurons", 100, "neuron count"),
		inDims:   fs.Int("in", 1, "input dimensions"),
		outDims:  fs.Int("out", 1, "output dimensions"),
		steps:    fs.Int("steps", 1000, "simulation steps"),
		dt:       fs.Float64("dt", 0.001, "simulation step in seconds"),
		seed:     fs.Int64("seed", 0, "random seed"),
		rate:     fs.Float64("learning-rate", 1e-4, "PES learning rate, 0 disables learning"),
		timeout:  fs.Duration("recv-timeout", 100*time.Millisecond, "per-step receive timeout"),
		probe:    fs.Bool("probe", false, "probe the control port before offloading"),
		feedback: fs.Float64("feedback-tau", 0, "recurrent lowpass time constant, 0 disables feedback"),
	}
}

func (f runFlags) spec(device string) ensemble.Spec {
	spec := ensemble.Spec{
		Label:            device,
		Device:           device,
		NNeurons:         *f.neurons,
		InputDimensions:  *f.inDims,
		OutputDimensions: *f.outDims,
		LearningRate:     *f.rate,
		Seed:             *f.seed,
		Socket:           ensemble.SocketOptions{RecvTimeout: *f.timeout},
	}
	if *f.feedback > 0 {
		spec.Feedback = &ensemble.FeedbackSpec{Tau: *f.feedback}
	}
	return spec
}

func runRun(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	flags := addRunFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("run needs a device name")
	}

	devices, err := loadDevices()
	if err != nil {
		return err
	}
	store, settings, err := openHistory()
	if err != nil {
		return err
	}
	defer closeHistory(store)

	opts := ensemble.Options{
		Devices:    devices,
		Events:     store,
		ArchiveDir: settings.ArchiveDir,
		KeysDir:    settings.KeysDir,
	}
	if *flags.probe {
		opts.Reachability = discovery.ProbeReachable{}
	}
	return simulate(ctx, flags.spec(fs.Arg(0)), opts, *flags.dt, *flags.steps, out)
}

// loopbackDevices serves a single emulated board profile.
type loopbackDevices struct {
	profile config.DeviceProfile
}

func (d loopbackDevices) Lookup(name string) (config.DeviceProfile, error) {
	if name != d.profile.Name {
		return config.DeviceProfile{}, fmt.Errorf("%w: %q", config.ErrDeviceNotFound, name)
	}
	return d.profile, nil
}

func (d loopbackDevices) Host() config.HostConfig {
	return config.HostConfig{IP: "127.0.0.1"}
}

func runLoopback(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("loopback", flag.ContinueOnError)
	flags := addRunFlags(fs)
	boardIP := fs.String("board-ip", "127.0.0.2", "loopback address the emulated board binds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	root, err := os.MkdirTemp("", "fpgaoffload-loopback-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	store, err := storage.OpenPath(filepath.Join(root, storage.DefaultDBFileName))
	if err != nil {
		return err
	}
	defer closeHistory(store)

	emulator := &ensemble.Emulator{Root: root}
	profile := config.DeviceProfile{
		Name:             "loopback",
		Address:          *boardIP,
		SSHPort:          config.DefaultSSHPort,
		SSHUser:          "root",
		RemoteTmp:        "/tmp",
		RemoteExecutable: "fpen",
	}
	opts := ensemble.Options{
		Devices:    loopbackDevices{profile: profile},
		Events:     store,
		ArchiveDir: root,
		Transport: func(config.DeviceProfile) remote.Transport {
			return emulator
		},
	}
	if err := simulate(ctx, flags.spec(profile.Name), opts, *flags.dt, *flags.steps, out); err != nil {
		return err
	}

	events, err := store.GetEvents(storage.EventFilter{Limit: 10})
	if err != nil {
		return err
	}
	for _, event := range events {
		fmt.Fprintf(out, "event %s [%s]: %s\n", event.Kind, event.Severity, event.Message)
	}
	return nil
}

// simulate builds one coordinator and drives it with a sine input. The error
// port carries output minus input, so PES learns to reproduce the input on
// the dimensions both share.
func simulate(ctx context.Context, spec ensemble.Spec, opts ensemble.Options, dt float64, steps int, out io.Writer) error {
	coordinator, err := ensemble.New(spec, opts)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			_ = coordinator.Close()
		}
	}()

	if err := coordinator.Build(ctx, ensemble.OffloadCapable(dt)); err != nil {
		return err
	}
	fmt.Fprintf(out, "mode: %s", coordinator.Mode())
	if coordinator.Mode() == models.ModeRemote {
		fmt.Fprintf(out, " (udp %d)", coordinator.Port())
	} else {
		fmt.Fprintf(out, " (%s)", coordinator.Diagnostic())
	}
	fmt.Fprintln(out)

	if err := coordinator.Start(); err != nil {
		return err
	}

	network := coordinator.Network()
	input := make([]float64, network.Input.Width())
	errorSignal := make([]float64, network.Error.Width())
	var output []float64
	for step := 1; step <= steps; step++ {
		if err := ctx.Err(); err != nil {
			break
		}
		t := float64(step) * dt
		for i := range input {
			input[i] = math.Sin(2 * math.Pi * t * float64(i+1))
		}
		if err := network.Input.Set(input); err != nil {
			return err
		}
		output, err = coordinator.Step(t)
		if err != nil {
			return err
		}
		for i := range errorSignal {
			errorSignal[i] = output[i]
			if i < len(input) {
				errorSignal[i] -= input[i]
			}
		}
		if err := network.Error.Set(errorSignal); err != nil {
			return err
		}
	}

	closed = true
	if err := coordinator.Close(); err != nil {
		return err
	}
	if output == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	fmt.Fprintf(out, "steps: %d final output: %v\n", steps, output)
	return nil
}
