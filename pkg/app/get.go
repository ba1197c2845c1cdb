package app

import (
	"github.com/fabtransfer/fabxfer/pkg/conn"
	"github.com/fabtransfer/fabxfer/pkg/fabric"
	"github.com/fabtransfer/fabxfer/pkg/terminal"
)

// Get runs the receiver personality (fget): one Receiver plus one
// verifying Sink per session, over cfg.NSources sessions opened
// through cfg.Dial. "-b ADDR" (local bind address) is the concern of
// whatever Dial implementation the binary wires in (spec.md §1 "fabric
// discovery ... out of scope").
func Get(cfg Config) (*Report, error) {
	ks := &fabric.Keysource{}
	pattern := terminal.NewPattern(cfg.pattern())
	total := cfg.totalBytes()
	log := cfg.log()

	return run(cfg, func(id int, ep fabric.Endpoint, cq fabric.CompletionQueue, rings sessionRings) (sessionBuild, error) {
		recv := conn.NewReceiver(ep, cq, conn.ReceiverConfig{
			SessionID:    id,
			NSources:     cfg.NSources,
			Provider:     cfg.providerFor(id),
			Keysource:    ks,
			Reregister:   cfg.Reregister,
			QueueDepth:   cfg.QueueDepth,
			PayloadSize:  cfg.payloadSize(),
			ReadyForConn: rings.ToConn,
			ReadyForTerm: rings.ToTerminal,
		})
		sink := terminal.NewSink(pattern, total, log.With("session", id))
		return sessionBuild{c: recv, t: sink, bytes: sink.Verified}, nil
	})
}
