package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
	"github.com/fabtransfer/fabxfer/pkg/conn"
	"github.com/fabtransfer/fabxfer/pkg/terminal"
)

type fakeConn struct {
	steps    []conn.Result
	i        int
	lastCanc bool
}

func (f *fakeConn) Loop(cancelled bool) (conn.Result, error) {
	f.lastCanc = cancelled
	if f.i >= len(f.steps) {
		return conn.Continue, nil
	}
	r := f.steps[f.i]
	f.i++
	return r, nil
}
func (f *fakeConn) Close() error          { return nil }
func (f *fakeConn) WaitFD() (int, bool)   { return 0, false }

type fakeTerminal struct {
	done bool
}

func (f *fakeTerminal) Done() bool { return f.done }
func (f *fakeTerminal) Trade(toConn, toTerminal *buffer.Ring) (terminal.Result, error) {
	if f.done {
		return terminal.End, nil
	}
	h, ok := toTerminal.Get()
	if !ok {
		return terminal.Continue, nil
	}
	return terminal.Continue, toConn.Put(h)
}

func TestSessionStepLatchesCancel(t *testing.T) {
	fc := &fakeConn{steps: []conn.Result{conn.Continue, conn.Continue}}
	s := New(1, fc, &fakeTerminal{}, buffer.NewRingPow2(2), buffer.NewRingPow2(2))

	res, err := s.Step(false)
	require.NoError(t, err)
	require.Equal(t, conn.Continue, res)
	require.False(t, fc.lastCanc)

	res, err = s.Step(true)
	require.NoError(t, err)
	require.Equal(t, conn.Continue, res)
	require.True(t, fc.lastCanc)

	// Cancellation latches: a later call with cancelRequested=false still
	// reports the session as cancelled to its connection.
	_, _ = s.Step(false)
	require.True(t, fc.lastCanc)
}

func TestSessionWorkReadyPromotesOnNonemptyToTerminal(t *testing.T) {
	s := New(1, &fakeConn{}, &fakeTerminal{}, buffer.NewRingPow2(2), buffer.NewRingPow2(2))
	require.False(t, s.WorkReady(false))

	s.MarkSent()
	require.False(t, s.WorkReady(false), "still empty ToTerminal")

	require.NoError(t, s.ToTerminal.Put(&buffer.Header{}))
	require.True(t, s.WorkReady(false))
}

func TestSessionWorkReadyWhenCancelled(t *testing.T) {
	s := New(1, &fakeConn{}, &fakeTerminal{}, buffer.NewRingPow2(2), buffer.NewRingPow2(2))
	require.True(t, s.WorkReady(true))
}

func TestSessionTradeNoOpWhenTerminalDone(t *testing.T) {
	s := New(1, &fakeConn{}, &fakeTerminal{done: true}, buffer.NewRingPow2(2), buffer.NewRingPow2(2))
	res, err := s.Trade()
	require.NoError(t, err)
	require.Equal(t, terminal.End, res)
}
