// Command fget is the receiver/listener personality of spec.md §6: it
// advertises empty RDMA targets over NSources sessions and verifies the
// resulting byte stream against the fixed pattern.
//
// Real fabric discovery and endpoint listen/accept are external
// collaborators (spec.md §1 "out of scope"); this binary pairs against
// an in-process loopback peer it drives internally, the same way the
// teacher's cmd/canopen_test demo connects to a virtual CAN bus rather
// than requiring real hardware on hand. A deployment with a real fabric
// provider would replace the loopback EndpointFactory here with one
// that dials the configured provider.
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
	bind := flag.String("b", "", "local bind address")
	expectCancel := flag.Bool("c", false, "expect cancellation: a clean exit requires an observed cancellation")
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
		log.Fatalf("fget: %v", err)
	}

	if *bind == "" {
		*bind = "fget"
	}

	cancel := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for s := range sig {
			if s == syscall.SIGUSR1 {
				continue // no-op wakeup, only meaningful to the epoll wait path
			}
			log.Infof("fget: received %s, cancelling", s)
			close(cancel)
			return
		}
	}()

	dialer := app.NewLoopbackDialer(*bind, 12)
	sendCfg := app.Config{
		NSources:    uint32(*nsessions),
		ProviderFor: dialer.ProviderFor,
		Dial:        dialer.SenderSide(),
		Reregister:  *reregister,
		Cancel:      cancel,
	}
	go func() {
		if _, err := app.Put(sendCfg); err != nil {
			log.Errorf("fget: internal loopback peer: %v", err)
		}
	}()

	report, err := app.Get(app.Config{
		NSources:     uint32(*nsessions),
		ProviderFor:  dialer.ProviderFor,
		Dial:         dialer.ReceiverSide(),
		Reregister:   *reregister,
		CPUFirst:     cpuFirst,
		CPULast:      cpuLast,
		UseEpoll:     *useEpoll,
		ExpectCancel: *expectCancel,
		Cancel:       cancel,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fget:", err)
		os.Exit(1)
	}

	os.Exit(report.ExitCode(*expectCancel))
}
