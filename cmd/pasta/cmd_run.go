package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akerouanton/passt/pkg/api"
	"github.com/akerouanton/passt/pkg/diag"
	"github.com/akerouanton/passt/pkg/logging"
	"github.com/akerouanton/passt/pkg/netns"
	"github.com/akerouanton/passt/pkg/pcap"
	"github.com/akerouanton/passt/pkg/pif"
	"github.com/akerouanton/passt/pkg/tap"
	"github.com/akerouanton/passt/pkg/tcp"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bridge a network namespace with the host",
	Example: `  pasta run --netns /run/netns/guest --tcp-ports 2222:22
  pasta run --netns-pid 12345 --tcp-ports 8080 --pcap /tmp/guest.pcap
  pasta run --netns /run/netns/guest --tcp-ports 80,443 --flow-log /tmp/flows.jsonl`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("netns", "", "Path of the guest network namespace")
	runCmd.Flags().Int("netns-pid", 0, "PID owning the guest network namespace")
	runCmd.Flags().String("tcp-ports", "", "TCP ports to forward (port or listen:dest, comma separated)")
	runCmd.Flags().Bool("no-ipv4", false, "Disable IPv4")
	runCmd.Flags().Bool("no-ipv6", false, "Disable IPv6")
	runCmd.Flags().String("tap", "tap0", "Tap interface name in the guest namespace")
	runCmd.Flags().Int("mtu", api.DefaultMTU, "MTU of the guest link")
	runCmd.Flags().String("guest-ip", api.DefaultGuestIP, "Guest IPv4 address")
	runCmd.Flags().String("gateway-ip", api.DefaultGatewayIP, "Gateway IPv4 address presented to the guest")
	runCmd.Flags().String("guest-mac", api.DefaultGuestMAC, "Gateway MAC address presented to the guest")
	runCmd.Flags().String("pcap", "", "Capture tap frames to this pcap file")
	runCmd.Flags().String("flow-log", "", "Write flow events to this JSONL file")
	runCmd.Flags().String("diag-socket", "", "Serve runtime snapshots on this unix socket")

	viper.BindPFlag("run.netns", runCmd.Flags().Lookup("netns"))
	viper.BindPFlag("run.netns-pid", runCmd.Flags().Lookup("netns-pid"))
	viper.BindPFlag("run.tcp-ports", runCmd.Flags().Lookup("tcp-ports"))
	viper.BindPFlag("run.tap", runCmd.Flags().Lookup("tap"))
	viper.BindPFlag("run.mtu", runCmd.Flags().Lookup("mtu"))
	viper.BindPFlag("run.pcap", runCmd.Flags().Lookup("pcap"))
	viper.BindPFlag("run.flow-log", runCmd.Flags().Lookup("flow-log"))
	viper.BindPFlag("run.diag-socket", runCmd.Flags().Lookup("diag-socket"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	nsPath, _ := cmd.Flags().GetString("netns")
	nsPid, _ := cmd.Flags().GetInt("netns-pid")
	portSpecs, _ := cmd.Flags().GetString("tcp-ports")
	noIPv4, _ := cmd.Flags().GetBool("no-ipv4")
	noIPv6, _ := cmd.Flags().GetBool("no-ipv6")
	tapName, _ := cmd.Flags().GetString("tap")
	mtu, _ := cmd.Flags().GetInt("mtu")
	guestIP, _ := cmd.Flags().GetString("guest-ip")
	gatewayIP, _ := cmd.Flags().GetString("gateway-ip")
	guestMAC, _ := cmd.Flags().GetString("guest-mac")
	pcapPath, _ := cmd.Flags().GetString("pcap")
	flowLogPath, _ := cmd.Flags().GetString("flow-log")
	diagSocket, _ := cmd.Flags().GetString("diag-socket")

	if nsPath == "" && nsPid > 0 {
		nsPath = "/proc/" + strconv.Itoa(nsPid) + "/ns/net"
	}

	ports, err := api.ParsePortMaps(portSpecs)
	if err != nil {
		return err
	}

	cfg := &api.Config{
		Mode:        api.ModePasta,
		NetNSPath:   nsPath,
		TCPPorts:    ports,
		IPv4:        !noIPv4,
		IPv6:        !noIPv6,
		TapName:     tapName,
		MTU:         mtu,
		GuestMAC:    guestMAC,
		GuestIP:     guestIP,
		GatewayIP:   gatewayIP,
		PcapPath:    pcapPath,
		FlowLogPath: flowLogPath,
		DiagSocket:  diagSocket,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	return run(cfg)
}

func run(cfg *api.Config) error {
	log := slog.Default()
	runID := uuid.NewString()

	ns, err := netns.Open(cfg.NetNSPath)
	if err != nil {
		return err
	}
	defer ns.Close()

	var emitter *logging.Emitter
	if cfg.FlowLogPath != "" {
		sink, err := logging.OpenJSONLFile(cfg.FlowLogPath)
		if err != nil {
			return err
		}
		emitter = logging.NewEmitter(runID, sink)
		defer emitter.Close()
	}

	var capture *pcap.Writer
	if cfg.PcapPath != "" {
		capture, err = pcap.New(cfg.PcapPath, log)
		if err != nil {
			return err
		}
		defer capture.Close()
	}

	bridge, err := tap.NewBridge(&tap.Config{
		NS:         ns,
		TapName:    cfg.TapName,
		GuestIP:    cfg.GuestIP,
		GatewayIP:  cfg.GatewayIP,
		GatewayMAC: cfg.GuestMAC,
		MTU:        cfg.MTU,
		Pcap:       capture,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer bridge.Close()

	stack, err := tcp.NewStack(&tcp.Config{
		NS:          ns,
		GuestDialer: bridge,
		IPv4:        cfg.IPv4,
		IPv6:        cfg.IPv6,
		Logger:      log,
		Emitter:     emitter,
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	for _, pm := range cfg.TCPPorts {
		if cfg.IPv4 {
			if _, err := stack.Listen(false, pm.Listen, pm.Dest, pif.Host); err != nil {
				return err
			}
		}
		if cfg.IPv6 {
			if _, err := stack.Listen(true, pm.Listen, pm.Dest, pif.Host); err != nil {
				return err
			}
		}
	}

	if cfg.DiagSocket != "" {
		srv, err := diag.NewServer(cfg.DiagSocket, runID, func() any {
			return stack.Stats()
		}, log)
		if err != nil {
			return err
		}
		defer srv.Close()
		go srv.Serve()
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go bridge.Run(ctx)

	log.Info("pasta running", "run_id", runID, "netns", cfg.NetNSPath,
		"ports", fmt.Sprintf("%v", cfg.TCPPorts))

	if err := stack.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
