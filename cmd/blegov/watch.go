package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blegov/internal/bledb"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/transport"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <device-url>",
	Short: "Govern a device and print its events",
	Long: `Creates a governor for the device and prints its state changes: online and
offline transitions, filtered RSSI with the estimated distance, connection and
resolved services.

Examples:
  # Follow a device through every adapter in range
  blegov watch /XX:XX:XX:XX:XX:XX/F4:12:FA:00:00:01

  # Keep a device connected through a specific adapter
  blegov watch sim:/00:1A:7D:DA:71:13/F4:12:FA:00:00:01 --connect`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchConnect  bool
	watchDuration time.Duration
)

func init() {
	watchCmd.Flags().BoolVar(&watchConnect, "connect", false, "Keep the device connected")
	watchCmd.Flags().DurationVarP(&watchDuration, "duration", "d", 0, "Watch duration (0 for indefinite)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	url, err := parseURL(args[0])
	if err != nil {
		return err
	}
	if url.Device == "" {
		return fmt.Errorf("%s is not a device url", url)
	}
	cmd.SilenceUsage = true

	ctx, stop := interruptible(cmd.Context(), watchDuration)
	defer stop()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	d := s.manager.DeviceGovernor(url)
	p := &devicePrinter{w: cmd.OutOrStdout(), device: d}
	d.AddGovernorListener(p)
	d.AddGenericDeviceListener(p)
	d.AddSmartDeviceListener(p)
	defer func() {
		d.RemoveGovernorListener(p)
		d.RemoveGenericDeviceListener(p)
		d.RemoveSmartDeviceListener(p)
	}()
	d.SetConnectionControl(watchConnect)
	p.printf("watching %s", d.URL())

	<-ctx.Done()
	return nil
}

// devicePrinter prints device governor events, one line each.
type devicePrinter struct {
	governor.NopGovernorListener

	mu     sync.Mutex
	w      io.Writer
	device governor.DeviceGovernor
}

func (p *devicePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", dim(time.Now().Format(time.TimeOnly)), fmt.Sprintf(format, args...))
}

func (p *devicePrinter) Ready(ready bool) {
	if ready {
		p.printf("%s ready", p.device.DisplayName())
		return
	}
	p.printf("not ready")
}

func (p *devicePrinter) Online()  { p.printf("%s", appeared("online")) }
func (p *devicePrinter) Offline() { p.printf("%s", vanished("offline")) }

func (p *devicePrinter) Blocked(blocked bool) { p.printf("blocked=%t", blocked) }

func (p *devicePrinter) RSSIChanged(rssi int16) {
	p.printf("rssi=%d distance=%.2fm", rssi, p.device.EstimatedDistance())
}

func (p *devicePrinter) Connected()    { p.printf("%s", appeared("connected")) }
func (p *devicePrinter) Disconnected() { p.printf("%s", vanished("disconnected")) }

func (p *devicePrinter) ServicesResolved(services []transport.Service) {
	p.printf("services resolved (%d)", len(services))
	for _, svc := range services {
		p.printf("  %s", named(svc.URL.Service, bledb.LookupService(svc.URL.Service)))
		for _, c := range svc.Characteristics {
			p.printf("    %s %v", named(c.URL.Characteristic, bledb.LookupCharacteristic(c.URL.Characteristic)), c.Flags)
		}
	}
}

func (p *devicePrinter) ServicesUnresolved() { p.printf("services unresolved") }

func (p *devicePrinter) ServiceDataChanged(data map[string][]byte) {
	for id, v := range data {
		p.printf("service data %s=%x", named(id, bledb.LookupService(id)), v)
	}
}

func (p *devicePrinter) ManufacturerDataChanged(data map[uint16][]byte) {
	for id, v := range data {
		p.printf("manufacturer data %s=%x", named(fmt.Sprintf("%04x", id), bledb.LookupVendor(id)), v)
	}
}

// named renders id with its assigned name when there is one.
func named(id, name string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}
