package app

import (
	"github.com/fabtransfer/fabxfer/pkg/conn"
	"github.com/fabtransfer/fabxfer/pkg/fabric"
	"github.com/fabtransfer/fabxfer/pkg/terminal"
)

// Put runs the sender personality (fput): one Sender plus one
// pattern-producing Source per session. cfg.RmaMaxSegs should already
// be 1 when the caller selected "-g" contiguous-writes mode (spec.md
// §6); the non-option destination address is, like "-b" for Get, the
// concern of whatever Dial implementation the binary supplies.
func Put(cfg Config) (*Report, error) {
	ks := &fabric.Keysource{}
	pattern := terminal.NewPattern(cfg.pattern())
	total := cfg.totalBytes()
	log := cfg.log()

	return run(cfg, func(id int, ep fabric.Endpoint, cq fabric.CompletionQueue, rings sessionRings) (sessionBuild, error) {
		sender := conn.NewSender(ep, cq, conn.SenderConfig{
			SessionID:    id,
			NSources:     cfg.NSources,
			MaxRmaSegs:   cfg.RmaMaxSegs,
			Provider:     cfg.providerFor(id),
			Keysource:    ks,
			Reregister:   cfg.Reregister,
			QueueDepth:   cfg.QueueDepth,
			PayloadSize:  cfg.payloadSize(),
			ReadyForConn: rings.ToConn,
			ReadyForTerm: rings.ToTerminal,
		})
		source := terminal.NewSource(pattern, total, log.With("session", id))
		return sessionBuild{c: sender, t: source, bytes: source.Produced}, nil
	})
}
