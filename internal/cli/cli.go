// Package cli implements the shellyctl command tree. Commands operate
// directly on the local stores and the device transport; the long-running
// HTTP service is not required.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/config"
	"github.com/frostdev-ops/shelly-fleet-go/internal/discovery"
	"github.com/frostdev-ops/shelly-fleet-go/internal/engine"
	"github.com/frostdev-ops/shelly-fleet-go/internal/groups"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/registry"
	"github.com/frostdev-ops/shelly-fleet-go/internal/snapshot"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/logger"
)

// ErrDeviceFailure marks a run in which at least one per-device result
// failed. The results were already printed; the error only carries the
// exit status.
var ErrDeviceFailure = errors.New("one or more devices failed")

// ErrUsage marks argument and flag mistakes.
var ErrUsage = errors.New("invalid arguments")

// ExitCode maps the error returned by Execute to the process exit code:
// 0 all results succeeded, 1 one or more device failures, 2 confirmation
// required or invalid arguments, 3 internal error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrDeviceFailure),
		operrors.IsKind(err, operrors.KindUnreachable),
		operrors.IsKind(err, operrors.KindTimeout),
		operrors.IsKind(err, operrors.KindCancelled),
		operrors.IsKind(err, operrors.KindDeviceError),
		operrors.IsKind(err, operrors.KindHTTPError),
		operrors.IsKind(err, operrors.KindPathMissing):
		return 1
	case errors.Is(err, ErrUsage),
		operrors.IsKind(err, operrors.KindConfirmationRequired),
		operrors.IsKind(err, operrors.KindTypeMismatch),
		operrors.IsKind(err, operrors.KindUnsupportedParameter),
		operrors.IsKind(err, operrors.KindUnknownDevice):
		return 2
	default:
		return 3
	}
}

// App wires the fleet services behind the command tree. Services are
// built once in the root PersistentPreRunE so that version and help do
// not touch the filesystem.
type App struct {
	cfg       *config.Config
	log       *logrus.Logger
	client    *transport.Client
	registry  *registry.Registry
	groups    *groups.Manager
	catalogue *capabilities.Catalogue
	engine    *engine.Engine
	executor  *groups.Executor
	discovery *discovery.Service
	snapshots *snapshot.Manager

	configFile string
	jsonOut    bool
	verbose    bool
	promptAuth bool
}

// New creates an unwired App.
func New() *App {
	return &App{}
}

// Root builds the shellyctl command tree.
func (a *App) Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "shellyctl",
		Short:         "Manage a fleet of Shelly devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `shellyctl discovers Shelly devices, tracks them in a registry, and
applies operations and parameter changes uniformly across mixed-generation
fleets, one device or a whole group at a time.

Destructive group operations against the implicit all-devices group
(off, reboot, update_firmware, wifi writes) require --yes.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipsServices(cmd) {
				return nil
			}
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "Config file (default searches ./configs then .)")
	flags.BoolVar(&a.jsonOut, "json", false, "JSON output")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Debug logging")
	flags.BoolVar(&a.promptAuth, "prompt-auth", false, "Prompt for the device password")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})

	root.AddCommand(
		a.discoverCommand(),
		a.devicesCommand(),
		a.groupsCommand(),
		a.parametersCommand(),
		a.capabilitiesCommand(),
		a.historyCommand(),
		a.snapshotCommand(),
		versionCommand(),
	)
	return root
}

// init loads configuration and wires the service stack.
func (a *App) init(cmd *cobra.Command) error {
	log := logger.NewCLI()
	if a.verbose {
		logger.SetLevel(log, "debug")
	} else {
		logger.SetLevel(log, "warn")
	}
	a.log = log

	cfg, err := config.LoadFrom(a.configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	a.cfg = cfg

	transportOpts := []transport.Option{
		transport.WithTimeout(cfg.Transport.Timeout),
		transport.WithRetryBackoff(cfg.Transport.RetryBackoff),
		transport.WithIdleConnTimeout(cfg.Transport.IdleConnTimeout),
		transport.WithUserAgent(cfg.Transport.UserAgent),
	}
	password := cfg.Transport.Auth.Password
	if a.promptAuth {
		password, err = readPassword(cmd.ErrOrStderr(), cfg.Transport.Auth.Username)
		if err != nil {
			return err
		}
	}
	if password != "" {
		transportOpts = append(transportOpts, transport.WithCredentials(transport.StaticCredentials{
			Username: cfg.Transport.Auth.Username,
			Password: password,
		}))
	}
	a.client = transport.New(log, transportOpts...)

	mappings := capabilities.LoadMappings(cfg.ParameterMappingsFile(), log)
	types := capabilities.LoadDeviceTypes(cfg.DeviceTypesFile(), log)
	prober := capabilities.NewProber(a.client, log)
	a.catalogue, err = capabilities.NewCatalogue(cfg.CapabilitiesDir(), mappings, types, prober, log)
	if err != nil {
		return fmt.Errorf("loading capability catalogue: %w", err)
	}

	a.registry, err = registry.New(cfg.DevicesDir(), log)
	if err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}

	a.groups, err = groups.NewManager(cfg.GroupsDir(), log)
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}

	a.engine = engine.New(a.client, a.catalogue, log, engine.WithStore(a.registry))

	a.executor = groups.NewExecutor(a.registry, a.groups, a.engine, log,
		groups.WithConcurrency(cfg.Executor.Concurrency),
		groups.WithDeviceTimeout(cfg.Executor.DeviceTimeout),
		groups.WithDestructiveVerbs(cfg.Executor.DestructiveVerbs),
	)

	a.discovery = discovery.NewService(a.registry, types, a.client, log,
		discovery.WithSubnets(cfg.Discovery.Subnets),
		discovery.WithChunkSize(cfg.Discovery.ChunkSize),
		discovery.WithProbeTimeout(cfg.Discovery.ProbeTimeout),
		discovery.WithMDNS(cfg.Discovery.MDNSEnabled, cfg.Discovery.MDNSService, cfg.Discovery.MDNSWait),
		discovery.WithEnrichment(cfg.Discovery.EnrichResults),
		discovery.WithDiscoveredHook(func(device *model.Device) {
			fmt.Fprintf(cmd.OutOrStdout(), "Found %s %s at %s\n", device.DeviceType, device.ID, device.IPAddress)
		}),
	)

	a.snapshots = snapshot.NewManager(cfg.Paths.ConfigDir, cfg.Paths.DataDir, log)
	return nil
}

// skipsServices reports whether cmd (or an ancestor) runs without the
// service stack.
func skipsServices(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "version", "completion":
			return true
		}
	}
	return false
}

func readPassword(errOut io.Writer, username string) (string, error) {
	fmt.Fprintf(errOut, "Password for device user %q: ", username)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(errOut)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}

// device resolves a device-id argument against the registry, accepting
// any MAC spelling.
func (a *App) device(id string) (*model.Device, error) {
	device, ok := a.registry.Get(model.NormalizeMAC(id))
	if !ok {
		return nil, operrors.New(operrors.KindUnknownDevice, "device %s is not registered", id)
	}
	return device, nil
}

// exactArgs behaves like cobra.ExactArgs but marks the error as a usage
// mistake so the exit code comes out as 2.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s expects %d argument(s), got %d", ErrUsage, cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return fmt.Errorf("%w: %s accepts at most %d argument(s), got %d", ErrUsage, cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

// parseValue turns a CLI string into a typed value: booleans, integers,
// floats, everything else stays a string.
func parseValue(raw string) interface{} {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// parseArgPairs parses repeated key=value flags into operation arguments.
func parseArgPairs(pairs []string) (engine.Args, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(engine.Args, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: argument %q is not key=value", ErrUsage, pair)
		}
		args[key] = parseValue(value)
	}
	return args, nil
}

func (a *App) printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
