package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/healthrelay/internal/config"
)

// Checker validates the answers before they are saved.
type Checker interface {
	// Export opens the health export at path.
	Export(path string) error
	// ActiveMatchups returns how many active matchups cfg.UserID is in.
	ActiveMatchups(ctx context.Context, cfg *config.Config) (int, error)
}

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt  *Prompter
	check   Checker
	cfgPath string
	logger  *slog.Logger
	w       io.Writer
}

// NewWizard creates a Wizard that writes its result to cfgPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, check Checker, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		check:   check,
		cfgPath: cfgPath,
		logger:  logger,
		w:       w,
	}
}

// Run asks for the matchup service credentials, the export path and the sync
// cadence, checks them, and writes the config file. An existing file is kept
// unless the user agrees to overwrite it.
func (wiz *Wizard) Run(ctx context.Context) (*config.Config, error) {
	fmt.Fprintf(wiz.w, "\nWelcome to HealthRelay Setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes %s.\n\n", wiz.cfgPath)

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil, nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	cfg := &config.Config{}

	// Step 1: matchup service.
	fmt.Fprintf(wiz.w, "Step 1/3 · Matchup Service\n")
	cfg.APIURL = wiz.prompt.String("API URL", "")
	cfg.APIToken = wiz.prompt.Secret("API token")
	cfg.UserID = wiz.prompt.String("User ID", "")
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: health export.
	fmt.Fprintf(wiz.w, "Step 2/3 · Health Export\n")
	for {
		cfg.HealthExport = wiz.prompt.String("Export file path", cfg.HealthExport)
		fmt.Fprintf(wiz.w, "  Reading export...")
		err := wiz.check.Export(cfg.HealthExport)
		if err == nil {
			fmt.Fprintf(wiz.w, " ✓\n\n")
			break
		}
		fmt.Fprintf(wiz.w, " ✗\n")
		wiz.logger.Warn("health export check failed", "path", cfg.HealthExport, "error", err)
		if !wiz.prompt.Confirm("Try a different path?", true) {
			return nil, fmt.Errorf("cannot read health export %q: %w", cfg.HealthExport, err)
		}
	}

	// Step 3: sync cadence.
	fmt.Fprintf(wiz.w, "Step 3/3 · Sync Cadence\n")
	cfg.ThrottleWindow = wiz.prompt.Duration("Minimum time between syncs of one matchup", 60*time.Second, time.Second, time.Hour)
	cfg.BackgroundTaskInterval = wiz.prompt.Duration("Scheduled background sync interval", 15*time.Minute, time.Minute, 24*time.Hour)
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "  Connecting to the matchup service...")
	n, err := wiz.check.ActiveMatchups(ctx, cfg)
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return nil, fmt.Errorf("cannot reach matchup service: %w\n\n  Check the URL, token, and user ID, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓ (%d active matchup(s))\n", n)

	if err := cfg.Write(wiz.cfgPath); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	fmt.Fprintf(wiz.w, "Setup complete!\n")
	fmt.Fprintf(wiz.w, "  Sync now:  healthrelay sync-once\n")
	fmt.Fprintf(wiz.w, "  Daemon:    healthrelay daemon\n")
	fmt.Fprintf(wiz.w, "  Status:    healthrelay status\n\n")
	return cfg, nil
}
