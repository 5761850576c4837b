package check

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chirino/dbhealth-service/internal/alert"
	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/chirino/dbhealth-service/internal/probe"
	"github.com/urfave/cli/v3"
)

// Command returns the check sub-command: a single probe of the monitored
// database, printed as JSON. The exit code reflects the overall alert level
// so the command can back a shell health check (0=OK, 1=WARNING, 2=CRITICAL).
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "check",
		Usage: "Probe the monitored database once and report health",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db-url",
				Sources:     cli.EnvVars("DBHEALTH_SERVICE_DB_URL"),
				Destination: &cfg.DBURL,
				Usage:       "Monitored database connection URL",
				Required:    true,
			},
			&cli.DurationFlag{
				Name:        "probe-timeout",
				Sources:     cli.EnvVars("DBHEALTH_SERVICE_PROBE_TIMEOUT"),
				Destination: &cfg.ProbeTimeout,
				Value:       cfg.ProbeTimeout,
				Usage:       "Timeout for the probe queries",
			},
			&cli.StringFlag{
				Name:        "agent-classes",
				Sources:     cli.EnvVars("DBHEALTH_SERVICE_AGENT_CLASSES"),
				Destination: &cfg.AgentClasses,
				Value:       cfg.AgentClasses,
				Usage:       "Comma-separated class=prefix pairs for agent classification",
			},
			&cli.StringFlag{
				Name:        "pooler-marker",
				Sources:     cli.EnvVars("DBHEALTH_SERVICE_POOLER_MARKER"),
				Destination: &cfg.PoolerMarker,
				Value:       cfg.PoolerMarker,
				Usage:       "Substring identifying pooler-routed backends",
			},
			&cli.StringFlag{
				Name:        "thresholds",
				Sources:     cli.EnvVars("DBHEALTH_SERVICE_THRESHOLDS"),
				Destination: &cfg.ThresholdOverrides,
				Usage:       "Comma-separated check=warning:critical overrides",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, &cfg)
		},
	}
}

type report struct {
	Status   model.AlertLevel   `json:"status"`
	Snapshot *model.Snapshot    `json:"snapshot,omitempty"`
	Checks   []model.CheckState `json:"checks"`
}

func run(ctx context.Context, cfg *config.Config) error {
	checks := alert.DefaultChecks(1)
	overrides, err := alert.ParseThresholdOverrides(cfg.ThresholdOverrides)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid --thresholds: %v", err), 2)
	}
	checks, err = alert.ApplyOverrides(checks, overrides)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid --thresholds: %v", err), 2)
	}
	// A single sample has no streak history, so raise and clear immediately.
	engine := alert.NewEngine(checks, 1, 1)

	prober, err := probe.New(ctx, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to connect: %v", err), 2)
	}
	defer prober.Close()

	started := time.Now()
	snap, err := prober.Sample(ctx)
	if err != nil {
		snap = &model.Snapshot{
			SampledAt:     started.UTC(),
			ProbeDuration: time.Since(started),
			Err:           err.Error(),
		}
	}
	engine.Evaluate(snap)

	out := report{
		Status:   engine.OverallLevel(),
		Snapshot: snap,
		Checks:   engine.States(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	switch out.Status {
	case model.LevelCritical:
		return cli.Exit("", 2)
	case model.LevelWarning:
		return cli.Exit("", 1)
	}
	return nil
}
