package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devicelab/fleetrunner"
	"github.com/devicelab/fleetrunner/internal/config"
	"github.com/devicelab/fleetrunner/internal/providers/adb"
	"github.com/devicelab/fleetrunner/internal/shellexec"
	"github.com/devicelab/fleetrunner/internal/storage"
)

func newRunCmd() *cobra.Command {
	var planPath string
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a plan of commands and schedule them onto devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), planPath, once)
		},
	}
	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "path to the YAML plan file (required)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single scheduling cycle and exit")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runPlan(ctx context.Context, planPath string, once bool) error {
	commands, err := loadPlan(planPath)
	if err != nil {
		return err
	}

	provider, err := adb.NewDefault()
	if err != nil {
		return err
	}
	dbPath, err := storage.ResolveDatabasePath()
	if err != nil {
		return err
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("path", dbPath).Msg("database opened")

	registry, err := fleetrunner.NewRegistry(fleetrunner.RegistryConfig{
		Provider:       provider,
		Transport:      provider,
		Recorder:       store,
		IgnoredSerials: config.StringSlice(config.EnvIgnoredSerials),
	})
	if err != nil {
		return err
	}
	queue := fleetrunner.NewQueue()
	scheduler, err := fleetrunner.NewScheduler(fleetrunner.SchedulerConfig{
		PollInterval:     config.Duration(config.EnvPollInterval, 0),
		AllocTimeout:     config.Duration(config.EnvAllocTimeout, 0),
		HealthInterval:   config.Duration(config.EnvHealthInterval, 0),
		UnmatchableAfter: config.Int(config.EnvUnmatchableAfter, 0),
		Executor:         shellexec.New(provider),
		Recorder:         store,
		Progress:         store,
	}, registry, queue)
	if err != nil {
		return err
	}

	for _, c := range commands {
		if err := scheduler.Submit(c); err != nil {
			return err
		}
		log.Info().Str("command_id", c.ID).Msg("command submitted")
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		return scheduler.RunOnce(runCtx)
	}

	// Stop once every submitted command settles, or on signal.
	go func() {
		for _, c := range commands {
			if err := c.Wait(runCtx); err != nil {
				return
			}
		}
		log.Info().Msg("all commands settled")
		stop()
	}()
	return scheduler.Start(runCtx)
}
