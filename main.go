package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/sstallion/go-hid"
	"golang.org/x/term"
)

const currentVersion = "0.3.0"

// cliApp carries what every command needs once the root has set it up.
type cliApp struct {
	configFile string
	settings   Settings
	logger     *log.Logger
	logCloser  io.Closer
	transport  Transport
	storage    *Storage
	ownsHID    bool

	sideloadFile string
	dummyFile    string
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[FATAL RECOVER] %v\n%s", r, debug.Stack())
			os.Exit(2)
		}
	}()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&cliApp{})
}

// newRootCmdWith builds the command tree around app. A transport already set
// on app is used as is and hidapi is left alone.
func newRootCmdWith(app *cliApp) *cobra.Command {
	root := &cobra.Command{
		Use:           "vialctl",
		Short:         "Select, unlock and lock Vial keyboards",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.teardown()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&app.configFile, "config", "", "config file (default is $XDG_CONFIG_HOME/vialctl/vialctl.yaml)")
	f.Bool("debug", false, "enable debug logging")
	f.Bool("trace-hid", false, "log every HID request and response")
	f.String("log-file", "", "write logs to this file instead of stderr")
	f.String("cache-dir", "", "directory for cached keyboard definitions")
	f.Duration("hid-timeout", 500*time.Millisecond, "HID read timeout")
	f.Duration("refresh-interval", defaultRefreshInterval, "background enumeration interval")
	f.Duration("poll-interval", defaultUnlockPollInterval, "unlock poll interval")
	f.Int("max-unlock-polls", 0, "give up unlocking after this many polls (0 = never)")
	f.StringVar(&app.sideloadFile, "sideload", "", "sideload a VIA definition JSON")
	f.StringVar(&app.dummyFile, "dummy", "", "serve a definition JSON as a keyboard without hardware")

	root.AddCommand(
		newListCmd(app),
		newScanCmd(app),
		newUnlockCmd(app),
		newLockCmd(app),
		newRebootCmd(app),
		newFetchDefinitionsCmd(app),
		newWatchCmd(app),
		newVersionCmd(),
	)
	return root
}

func (a *cliApp) setup(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}
	s, found, err := loadSettings(cmd, a.configFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	a.settings = s

	logger, closer, err := setupLogging(s.LogFile, s.Debug)
	if err != nil {
		return err
	}
	a.logger, a.logCloser = logger, closer

	if !found && a.configFile == "" {
		if p, perr := configPath(); perr == nil {
			if werr := writeSettings(&s, p); werr != nil {
				a.logger.Printf("[CONFIG] could not write default config file: %v", werr)
			} else {
				debugf(a.logger, "wrote default config to %s", p)
			}
		}
	}

	if a.transport == nil {
		if err := hid.Init(); err != nil {
			return fmt.Errorf("hid init: %w", err)
		}
		a.transport = newHIDTransport(s.HIDTimeout, s.TraceHID, a.logger)
		a.ownsHID = true
	}
	a.storage = NewStorage(s.CacheDir, a.logger)
	return nil
}

func (a *cliApp) teardown() {
	if a.ownsHID {
		_ = hid.Exit()
		a.ownsHID = false
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// newController builds a controller with every definition source loaded.
func (a *cliApp) newController(autoSelect bool, history *History, hosts ...Host) (*Controller, error) {
	c := NewController(ControllerConfig{
		Transport:  a.transport,
		Settings:   a.settings,
		Storage:    a.storage,
		History:    history,
		Logger:     a.logger,
		AutoSelect: autoSelect,
		ExtraHosts: hosts,
	})
	c.LoadCachedDefinitions()
	if a.sideloadFile != "" {
		data, err := os.ReadFile(a.sideloadFile)
		if err != nil {
			return nil, err
		}
		if err := c.Registry.SideloadJSON(data); err != nil {
			return nil, err
		}
	}
	if a.dummyFile != "" {
		data, err := os.ReadFile(a.dummyFile)
		if err != nil {
			return nil, err
		}
		if err := c.Registry.LoadDummy(data); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// withDevice opens device index synchronously, runs fn and closes it again.
func (a *cliApp) withDevice(cmd *cobra.Command, index int, fn func(ctx context.Context, c *Controller) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	out := log.New(cmd.ErrOrStderr(), "", 0)
	c, err := a.newController(false, nil, newLogHost(out))
	if err != nil {
		return err
	}
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = c.Loop.Run(ctx)
	}()
	defer func() {
		_ = c.Loop.Call(context.Background(), func(context.Context) { c.Registry.Close() })
		cancel()
		<-loopDone
	}()

	devices, err := c.Registry.Refresh(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("no Vial or VIA keyboards found")
	}
	s, err := c.Registry.SelectDevice(ctx, index)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Using %s\n", s.Title())
	return fn(ctx, c)
}

func newListCmd(app *cliApp) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List Vial and VIA keyboards",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.newController(false, nil)
			if err != nil {
				return err
			}
			infos, err := app.transport.Enumerate()
			if err != nil {
				return err
			}
			devices := findDevices(infos, c.Registry.Sources())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printDevices(w io.Writer, devices []DeviceDescriptor) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No Vial or VIA keyboards found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tKIND\tVID:PID\tTITLE\tPATH")
	for i, d := range devices {
		fmt.Fprintf(tw, "%d\t%s\t%04x:%04x\t%s\t%s\n", i, d.Kind, d.VendorID, d.ProductID, d.Title, d.Path)
	}
	_ = tw.Flush()
}

func newScanCmd(app *cliApp) *cobra.Command {
	var dumpDir string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Log every HID interface and the keyboards among them",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.newController(false, nil)
			if err != nil {
				return err
			}
			result, err := scanAllHIDDevices(app.transport, c.Registry.Sources(), app.logger)
			if err != nil {
				return err
			}
			logHIDScanResults(log.New(cmd.OutOrStdout(), "", 0), result)
			if dumpDir == "" {
				return nil
			}
			for _, desc := range result.Devices {
				if desc.Kind == KindDummy || desc.Kind == KindBootloader {
					continue
				}
				def, err := c.Registry.Sources().definitionFor(desc)
				if err != nil {
					app.logger.Printf("[HID_SCAN] %s: %v", desc.Title, err)
					continue
				}
				p, err := dumpSessionReport(app.transport, desc, def, dumpDir)
				if err != nil {
					app.logger.Printf("[HID_SCAN] %s: %v", desc.Title, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dumpDir, "dump", "", "open each keyboard and save its last raw report to this directory")
	return cmd
}

func newUnlockCmd(app *cliApp) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Unlock a keyboard by holding its unlock keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withDevice(cmd, index, func(ctx context.Context, c *Controller) error {
				if keys := c.Registry.Current().UnlockKeys(); len(keys) > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Press and hold the following keys until unlocking completes:")
					for _, k := range keys {
						fmt.Fprintf(cmd.OutOrStdout(), "  row %d, col %d\n", k.Row, k.Col)
					}
				}
				res, err := c.Unlock(ctx)
				if err != nil {
					return err
				}
				if !res.OK() {
					if res.Err != nil {
						return fmt.Errorf("unlock %s: %w", res.State, res.Err)
					}
					return fmt.Errorf("unlock %s", res.State)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Keyboard unlocked.")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "device index as printed by list")
	return cmd
}

func newLockCmd(app *cliApp) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Lock a keyboard again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withDevice(cmd, index, func(ctx context.Context, c *Controller) error {
				if err := c.LockDevice(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Keyboard locked.")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "device index as printed by list")
	return cmd
}

func newRebootCmd(app *cliApp) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "reboot-bootloader",
		Short: "Unlock a keyboard and reboot it into its bootloader",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withDevice(cmd, index, func(ctx context.Context, c *Controller) error {
				if err := c.RebootToBootloader(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Keyboard is rebooting into its bootloader.")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "device index as printed by list")
	return cmd
}

func newFetchDefinitionsCmd(app *cliApp) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "fetch-definitions",
		Short: "Download the VIA definition stack into the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = app.settings.ViaStackURL
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			data, err := fetchViaStack(ctx, url)
			if err != nil {
				return err
			}
			src, err := (&DefinitionSources{}).withViaStack(data)
			if err != nil {
				return err
			}
			if err := app.storage.SaveViaStack(data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cached %d VIA definitions.\n", src.ViaStackSize())
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "definition stack URL (default from config)")
	return cmd
}

func fetchViaStack(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

func newWatchCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow devices interactively (plain log output when not on a terminal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			if term.IsTerminal(int(os.Stdout.Fd())) {
				history := NewHistory()
				c, err := app.newController(true, history)
				if err != nil {
					return err
				}
				return runTUI(ctx, c, history)
			}

			c, err := app.newController(true, nil, newLogHost(log.New(cmd.OutOrStdout(), "", log.LstdFlags)))
			if err != nil {
				return err
			}
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vialctl %s\n", currentVersion)
		},
	}
}
