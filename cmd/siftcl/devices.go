package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cwbudde/siftcl/internal/device"
	"github.com/spf13/cobra"
)

var devicesJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List compute platforms and devices",
	Long: `Lists the platforms and devices visible to the configured backend with the
values the pipeline uses for selection: type, memory, work-group limits and
estimated FLOPS. The host backend reports its emulated device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		inv := cfg.Inventory()
		if devicesJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(inv.Platforms())
		}
		return printDevices(cmd.OutOrStdout(), inv)
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "Print the inventory as JSON")
	rootCmd.AddCommand(devicesCmd)
}

func printDevices(out io.Writer, inv *device.Inventory) error {
	if inv.Empty() {
		fmt.Fprintln(out, "No compute devices found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tDEVICE\tTYPE\tMEMORY\tUNITS\tMAX WG\tGFLOPS")
	fmt.Fprintln(w, "--\t--------\t------\t----\t------\t-----\t------\t------")
	for _, p := range inv.Platforms() {
		for _, d := range p.Devices {
			sel := device.Selection{Platform: p.ID, Device: d.ID}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%.1f\n",
				sel, p.Name, d.Name, d.Type,
				formatBytes(int64(d.GlobalMemory)),
				d.MaxComputeUnits, d.MaxWorkGroupSize, d.Flops/1e9,
			)
		}
	}
	return w.Flush()
}
