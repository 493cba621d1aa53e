package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devicelab/fleetrunner"
	"github.com/devicelab/fleetrunner/internal/config"
	"github.com/devicelab/fleetrunner/internal/providers/adb"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected devices with their attributes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(cmd.Context())
		},
	}
}

func listDevices(ctx context.Context) error {
	provider, err := adb.NewDefault()
	if err != nil {
		return err
	}
	registry, err := fleetrunner.NewRegistry(fleetrunner.RegistryConfig{
		Provider:       provider,
		Transport:      provider,
		IgnoredSerials: config.StringSlice(config.EnvIgnoredSerials),
	})
	if err != nil {
		return err
	}
	if err := registry.Refresh(ctx); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tSTATE\tKIND\tPRODUCT\tSDK\tBATTERY")
	for _, dev := range registry.Snapshot() {
		battery := "?"
		if dev.Battery >= 0 {
			battery = fmt.Sprintf("%d%%", dev.Battery)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			dev.Serial, dev.State, dev.Kind,
			dev.Properties[fleetrunner.PropProductType],
			dev.Properties[fleetrunner.PropSdkLevel],
			battery)
	}
	return w.Flush()
}
