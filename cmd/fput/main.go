// Command fput is the sender/connector personality of spec.md §6: it
// produces NSources sessions' worth of the fixed pattern and RDMA-
// writes it into whatever targets the peer advertises.
//
// Real fabric discovery and endpoint dial are external collaborators
// (spec.md §1 "out of scope"); this binary pairs against an in-process
// loopback peer it drives internally, the same way the teacher's
// cmd/canopen_test demo connects to a virtual CAN bus rather than
// requiring real hardware on hand. A deployment with a real fabric
// provider would replace the loopback EndpointFactory here with one
// that dials the destination address.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/fabtransfer/fabxfer/pkg/app"
)

func main() {
	expectCancel := flag.Bool("c", false, "expect cancellation: a clean exit requires an observed cancellation")
	contiguous := flag.Bool("g", false, "contiguous-writes mode: cap rma_maxsegs to 1, never fragment")
	nsessions := flag.Uint("n", 1, "number of parallel sessions")
	cpuRange := flag.String("p", "", "CPU range for worker affinity, \"i - j\"")
	reregister := flag.Bool("r", false, "re-register payload buffers per write")
	useEpoll := flag.Bool("w", false, "use file-descriptor wait (epoll path) instead of fabric poll-set")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cpuFirst, cpuLast, err := app.ParseCPURange(*cpuRange)
	if err != nil {
		log.Fatalf("fput: %v", err)
	}

	dest := "fput"
	if flag.NArg() > 0 {
		dest = flag.Arg(0)
	}

	maxSegs := 0
	if *contiguous {
		maxSegs = 1
	}

	cancel := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for s := range sig {
			if s == syscall.SIGUSR1 {
				continue // no-op wakeup, only meaningful to the epoll wait path
			}
			log.Infof("fput: received %s, cancelling", s)
			close(cancel)
			return
		}
	}()

	dialer := app.NewLoopbackDialer(dest, 12)
	recvCfg := app.Config{
		NSources:    uint32(*nsessions),
		ProviderFor: dialer.ProviderFor,
		Dial:        dialer.ReceiverSide(),
		Reregister:  *reregister,
		Cancel:      cancel,
	}
	go func() {
		if _, err := app.Get(recvCfg); err != nil {
			log.Errorf("fput: internal loopback peer: %v", err)
		}
	}()

	report, err := app.Put(app.Config{
		NSources:     uint32(*nsessions),
		ProviderFor:  dialer.ProviderFor,
		Dial:         dialer.SenderSide(),
		RmaMaxSegs:   maxSegs,
		Reregister:   *reregister,
		CPUFirst:     cpuFirst,
		CPULast:      cpuLast,
		UseEpoll:     *useEpoll,
		ExpectCancel: *expectCancel,
		Cancel:       cancel,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fput:", err)
		os.Exit(1)
	}

	os.Exit(report.ExitCode(*expectCancel))
}
