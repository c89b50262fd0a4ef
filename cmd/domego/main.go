package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/DomeGo/internal/config"
	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/calibration"
	"github.com/cjeanneret/DomeGo/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// options are the flags shared by every command.
type options struct {
	configPath string
	debugLevel int // < 0 = defaults.debug_level from the config file
	web        webPortFlag
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "domego",
		Short: "DomeGo keeps an observatory dome slit aligned with the telescope",
		Long: `DomeGo slaves a rotating dome to a telescope mount. It polls the mount,
computes the dome azimuth that keeps the slit on the optical axis, corrects it
with an optional vision drift feed and drives the dome motor controller.

Without a subcommand the daemon runs (same as "domego run").`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", filepath.Join("configs", "domego.yaml"), "path to config file")
	pf.IntVar(&opts.debugLevel, "debug", -1, "debug level 0-4, overrides defaults.debug_level")
	pf.Var(&opts.web, "web", "serve Alpaca and the dashboard; --web for alpaca.port, --web=8980 for a custom port")
	pf.Lookup("web").NoOptDefVal = webDefault

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newCalibrateCmd(opts))
	root.AddCommand(newCheckConfigCmd(opts))
	root.AddCommand(newHistoryCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dome controller until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
}

func newCalibrateCmd(opts *options) *cobra.Command {
	var (
		manual bool
		settle time.Duration
	)
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Fit the mount offsets with the four-point N/E/S/W procedure",
		Long: `Run the controller, point the telescope at north, east, south and west in
turn and ask the operator to center the slit on it each time. A converged fit
is written back to the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			d, err := newDaemon(opts.configPath, cfg, servePort(opts, cfg))
			if err != nil {
				return err
			}
			defer d.close()

			prompt := stdinPrompt(cmd.InOrStdin(), cmd.OutOrStdout())
			return d.run(cmd.Context(), func(ctx context.Context) error {
				var slewer calibration.Slewer
				if !manual {
					slewer = d.reader.Mount()
				}
				seq := calibration.NewSequence(d.ctl, slewer, prompt)
				seq.Settle = settle
				res, err := seq.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "offset_east=%.4f offset_north=%.4f pier_height=%.4f rms=%.3f°\n",
					res.OffsetEast, res.OffsetNorth, res.PierHeight, res.RMS)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&manual, "manual", false, "do not slew the mount, the operator points the telescope")
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "wait after each slew before prompting")
	return cmd
}

func newCheckConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the config file, then print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", opts.configPath)
			fmt.Fprintf(out, "  driver:  %s/%s over %s\n", cfg.Driver.MotorType, cfg.Driver.Protocol, cfg.Driver.Link)
			if cfg.Mount.Mock {
				fmt.Fprintln(out, "  mount:   simulated")
			} else {
				fmt.Fprintf(out, "  mount:   %s device %d\n", cfg.Mount.URL, cfg.Mount.Device)
			}
			fmt.Fprintf(out, "  vision:  %v\n", cfg.Vision.Enabled)
			fmt.Fprintf(out, "  tick:    %v\n", cfg.TickInterval())
			fmt.Fprintf(out, "  geometry: east=%.3f north=%.3f pier=%.3f\n",
				cfg.Mount.OffsetEast, cfg.Mount.OffsetNorth, cfg.Mount.PierHeight)
			return nil
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		limit        int
		calibrations bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled events or calibration runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Storage.Path == "" {
				return fmt.Errorf("storage.path is not set in %s", opts.configPath)
			}
			store, err := storage.Open(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if calibrations {
				recs, err := store.Calibrations(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printCalibrations(cmd.OutOrStdout(), recs)
			}
			events, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().BoolVar(&calibrations, "calibrations", false, "list calibration runs instead of events")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "domego %s\n", version)
		},
	}
}

// loadConfig validates the path, loads the file and initializes logging.
func loadConfig(opts *options) (*config.Config, error) {
	if err := config.ValidateConfigPath(opts.configPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Defaults.DebugLevel
	if opts.debugLevel >= 0 {
		level = opts.debugLevel
	}
	debug.Init(level)
	return cfg, nil
}

// servePort is the web listener port, 0 when neither --web nor
// alpaca.enabled asks for one.
func servePort(opts *options, cfg *config.Config) int {
	if p := opts.web.port(cfg.Alpaca.Port); p > 0 {
		return p
	}
	if cfg.Alpaca.Enabled {
		return cfg.Alpaca.Port
	}
	return 0
}

func printEvents(w io.Writer, events []storage.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ev.Time.Local().Format(time.DateTime), ev.Kind, ev.Detail)
	}
	return tw.Flush()
}

func printCalibrations(w io.Writer, recs []storage.CalibrationRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCONVERGED\tEAST\tNORTH\tPIER\tRMS\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%v\t%.4f\t%.4f\t%.4f\t%.3f\t%s\n",
			r.Time.Local().Format(time.DateTime), r.Converged, r.OffsetEast, r.OffsetNorth, r.PierHeight, r.RMS, r.Error)
	}
	return tw.Flush()
}

// stdinPrompt waits for Enter on in for every calibration direction.
func stdinPrompt(in io.Reader, out io.Writer) calibration.Prompt {
	lines := bufio.NewScanner(in)
	return func(ctx context.Context, dir calibration.Direction) error {
		fmt.Fprintf(out, "Center the slit on the telescope (pointing %v, az %.0f°), then press Enter: ", dir, dir.Azimuth())
		done := make(chan error, 1)
		go func() {
			if !lines.Scan() {
				err := lines.Err()
				if err == nil {
					err = io.EOF
				}
				done <- err
				return
			}
			done <- nil
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		}
	}
}

// webDefault is the value --web takes without an argument.
const webDefault = "config"

// webPortFlag implements pflag.Value for --web: 0 = disabled, --web → alpaca.port, --web=8980 → 8980.
type webPortFlag struct {
	val       int
	useConfig bool
}

func (w *webPortFlag) String() string {
	if w.useConfig {
		return webDefault
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" || s == webDefault {
		w.val = 0
		w.useConfig = true
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	w.useConfig = false
	return nil
}

func (w *webPortFlag) Type() string { return "port" }

// port resolves the flag against the configured Alpaca port.
func (w *webPortFlag) port(configured int) int {
	if w.useConfig {
		return configured
	}
	return w.val
}
