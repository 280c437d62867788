package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/njoerd114/tillsync/internal/config"
)

// Pinger checks that the Firestore database described by cfg is reachable.
type Pinger func(ctx context.Context, cfg *config.Config) error

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	ping    Pinger

	// install writes and enables the service unit. Replaced in tests.
	install func(cfgPath string) error
}

// NewWizard creates a Wizard that writes its result to cfgPath and verifies
// connectivity with ping.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, ping Pinger, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		ping:    ping,
		install: installService,
	}
}

// Run executes the interactive setup wizard. It walks the user through the
// Firestore connection, collection selection, sync interval, config file
// creation, and optional service install. It returns the saved config.
func (wiz *Wizard) Run(ctx context.Context) (*config.Config, error) {
	fmt.Fprintf(wiz.w, "\nWelcome to TillSync Setup!\n")
	fmt.Fprintf(wiz.w, "This wizard connects this terminal to your shop's Firestore database.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			cfg, err := config.Load(wiz.cfgPath)
			if err != nil {
				return nil, err
			}
			return cfg, wiz.offerServiceInstall()
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: Firestore connection.
	fmt.Fprintf(wiz.w, "Step 1/4: Firestore Connection\n")

	cfg := &config.Config{
		ProjectID: wiz.prompt.String("Project ID", ""),
		Database:  wiz.prompt.String("Database", "(default)"),
	}

	auth, err := wiz.prompt.Select("Authentication", []string{
		"Service-account key file",
		"Application default credentials",
		"Local emulator (no authentication)",
	})
	if err != nil {
		return nil, fmt.Errorf("selecting authentication: %w", err)
	}
	switch auth {
	case 0:
		cfg.CredentialsFile = wiz.prompt.String("Key file path", "")
	case 2:
		cfg.EmulatorHost = wiz.prompt.String("Emulator host", "localhost:8080")
	}

	fmt.Fprintf(wiz.w, "  Connecting to Firestore...")
	if err := wiz.ping(ctx, cfg); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return nil, fmt.Errorf("cannot reach Firestore: %w\n\n  Check the project and credentials, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n\n")

	// Step 2: Collections.
	fmt.Fprintf(wiz.w, "Step 2/4: Collections\n")

	cols, err := wiz.chooseCollections()
	if err != nil {
		return nil, err
	}
	cfg.Collections = cols

	// Step 3: Sync interval.
	fmt.Fprintf(wiz.w, "Step 3/4: Sync Interval\n")

	intervalStr := wiz.prompt.String("How often to sync while online? (5s-10m)", "30s")
	interval, parseErr := time.ParseDuration(intervalStr)
	if parseErr != nil {
		interval = 30 * time.Second
		fmt.Fprintf(wiz.w, "  (invalid duration, using default 30s)\n")
	}
	cfg.SyncInterval = interval
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: Write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	if err := cfg.Write(wiz.cfgPath); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	return cfg, wiz.offerServiceInstall()
}

// chooseCollections lets the user pick from the default collections and add
// custom ones with an explicit pull mode.
func (wiz *Wizard) chooseCollections() ([]config.Collection, error) {
	defaults := config.DefaultCollections()
	options := make([]string, len(defaults))
	for i, c := range defaults {
		options[i] = fmt.Sprintf("%s (pull: %s)", c.Name, c.Pull)
	}

	picked, err := wiz.prompt.MultiSelect("Collections to sync", options)
	if err != nil {
		return nil, fmt.Errorf("selecting collections: %w", err)
	}
	slices.Sort(picked)
	picked = slices.Compact(picked)

	cols := make([]config.Collection, 0, len(picked))
	for _, i := range picked {
		cols = append(cols, defaults[i])
	}

	extra := wiz.prompt.Optional("Additional collections, comma-separated")
	modes := []string{config.PullFull, config.PullIncremental, config.PullNone}
	for _, name := range strings.Split(extra, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if slices.ContainsFunc(cols, func(c config.Collection) bool { return c.Name == name }) {
			continue
		}
		idx, err := wiz.prompt.Select(fmt.Sprintf("Pull mode for %q", name), modes)
		if err != nil {
			return nil, fmt.Errorf("selecting pull mode: %w", err)
		}
		cols = append(cols, config.Collection{Name: name, Pull: modes[idx]})
		fmt.Fprintf(wiz.w, "  ✓ Added %q (pull: %s)\n", name, modes[idx])
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("at least one collection is required")
	}
	fmt.Fprintf(wiz.w, "\n")
	return cols, nil
}

// offerServiceInstall asks the user whether to run TillSync as a service.
func (wiz *Wizard) offerServiceInstall() error {
	if !wiz.prompt.Confirm("Install as systemd user service (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping service install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: tillsync daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later with:     tillsync setup\n\n")
		return nil
	}

	fmt.Fprintf(wiz.w, "\n")
	if err := wiz.install(wiz.cfgPath); err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  ✓ Service enabled, running now\n")

	fmt.Fprintf(wiz.w, "\nSetup complete! TillSync is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  Logs:    journalctl --user -u %s\n", UnitName)
	fmt.Fprintf(wiz.w, "  Status:  tillsync status\n")
	fmt.Fprintf(wiz.w, "  Remove:  tillsync uninstall\n\n")

	wiz.logger.Info("service installed", "unit", UnitName)
	return nil
}

func installService(cfgPath string) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	if err := WriteUnit(homeDir, cfgPath); err != nil {
		return fmt.Errorf("writing unit: %w", err)
	}
	if err := EnableService(); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}
	return nil
}
