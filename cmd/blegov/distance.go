package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/blegov/internal/rssi"
)

// distanceCmd represents the distance command
var distanceCmd = &cobra.Command{
	Use:   "distance",
	Short: "Estimate distance from RSSI",
	Long: `Estimates the distance in meters of a transmitter from its measured power at
one meter, the received signal strength and the signal propagation exponent
(2 in free space, up to 4 indoors).

Example:
  blegov distance --tx-power -59 --rssi -75 --exponent 2`,
	Args: cobra.NoArgs,
	RunE: runDistance,
}

var (
	distanceTxPower  int
	distanceRSSI     int
	distanceExponent float64
)

func init() {
	distanceCmd.Flags().IntVar(&distanceTxPower, "tx-power", -59, "Measured power at one meter (dBm)")
	distanceCmd.Flags().IntVar(&distanceRSSI, "rssi", 0, "Received signal strength (dBm)")
	distanceCmd.Flags().Float64Var(&distanceExponent, "exponent", 4.0, "Signal propagation exponent")
	_ = distanceCmd.MarkFlagRequired("rssi")
}

func runDistance(cmd *cobra.Command, _ []string) error {
	if distanceExponent <= 0 {
		return fmt.Errorf("exponent must be positive, got %g", distanceExponent)
	}
	if distanceRSSI == 0 || distanceTxPower == 0 {
		return fmt.Errorf("rssi and tx-power must be non-zero")
	}
	d := rssi.EstimateDistance(float64(distanceTxPower), float64(distanceRSSI), distanceExponent)
	fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", d)
	return nil
}
