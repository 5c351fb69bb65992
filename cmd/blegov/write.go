package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <characteristic-url> <data>",
	Short: "Write a characteristic value",
	Long: `Connects the characteristic's device and writes the value as soon as the
characteristic governor is ready. Data is text unless --hex is given.

Examples:
  # Reset Energy Expended of a heart rate monitor
  blegov write sim:/00:1A:7D:DA:71:13/F4:12:FA:00:00:02/180d/2a39 01 --hex

  # Hex may use spaces or colons between bytes
  blegov write /XX:XX:XX:XX:XX:XX/F4:12:FA:00:00:02/180d/2a39 "01 02" --hex`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

var (
	writeHex     bool
	writeTimeout time.Duration
)

func init() {
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Treat data as a hex string")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 30*time.Second, "Time to wait for the device and the write")
}

// parseWriteData decodes data as hex (separators ' ', ':', '-' allowed) or takes it as text.
func parseWriteData(data string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(data), nil
	}
	clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(data)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", data, err)
	}
	return b, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	url, err := characteristicURL(args[0])
	if err != nil {
		return err
	}
	data, err := parseWriteData(args[1], writeHex)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("no data to write")
	}
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(cmd.Context(), writeTimeout)
	defer cancel()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.manager.Connect(ctx, url); err != nil {
		return err
	}
	if err := s.manager.Write(ctx, url, data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(data), url)
	return nil
}
