// mock-portal runs a fake screen-cast portal on the session bus so the
// recorder can be exercised without a compositor.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/pflag"

	"github.com/linkfrg/lst/internal/testutil"
)

func main() {
	var (
		failStep = pflag.String("fail", "", "Answer this step (CreateSession, SelectSources, Start) with code 1")
		nodeID   = pflag.Uint32("node-id", 42, "PipeWire node id returned by Start")
	)
	pflag.Parse()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect to session bus: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	mock := testutil.NewMockPortal()
	mock.SetStreams([]testutil.PortalStream{{NodeID: *nodeID, Properties: map[string]dbus.Variant{}}})
	if *failStep != "" {
		mock.SetResponse(*failStep, 1)
	}
	if err := mock.Register(conn); err != nil {
		fmt.Fprintf(os.Stderr, "error: register mock portal: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Mock screen-cast portal running. Press Ctrl+C to exit.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("Shutting down...")
}
