package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blegov/internal/address"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <characteristic-url>",
	Short: "Read a characteristic value",
	Long: `Connects the characteristic's device and reads the value as soon as the
characteristic governor is ready.

Examples:
  # Read Battery Level through any adapter in range
  blegov read /XX:XX:XX:XX:XX:XX/F4:12:FA:00:00:01/180f/2a19 --hex

  # Read through a specific adapter
  blegov read sim:/00:1A:7D:DA:71:13/F4:12:FA:00:00:01/180f/2a19`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var (
	readHex     bool
	readTimeout time.Duration
)

func init() {
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 30*time.Second, "Time to wait for the device and the read")
}

// characteristicURL parses arg and checks it addresses a characteristic.
func characteristicURL(arg string) (address.URL, error) {
	url, err := parseURL(arg)
	if err != nil {
		return address.URL{}, err
	}
	if !url.IsCharacteristic() {
		return address.URL{}, fmt.Errorf("%s is not a characteristic url", url)
	}
	return url, nil
}

func runRead(cmd *cobra.Command, args []string) error {
	url, err := characteristicURL(args[0])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
	defer cancel()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.manager.Connect(ctx, url); err != nil {
		return err
	}
	data, err := s.manager.Read(ctx, url)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if readHex {
		fmt.Fprintln(out, strings.ToUpper(hex.EncodeToString(data)))
		return nil
	}
	_, err = out.Write(data)
	return err
}
