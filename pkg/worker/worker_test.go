package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
	"github.com/fabtransfer/fabxfer/pkg/conn"
	"github.com/fabtransfer/fabxfer/pkg/session"
	"github.com/fabtransfer/fabxfer/pkg/terminal"
)

type stubConn struct {
	res    conn.Result
	err    error
	closed bool
}

func (s *stubConn) Loop(cancelled bool) (conn.Result, error) { return s.res, s.err }
func (s *stubConn) Close() error                             { s.closed = true; return nil }
func (s *stubConn) WaitFD() (int, bool)                       { return 0, false }

type stubTerminal struct{ done bool }

func (s *stubTerminal) Done() bool { return s.done }
func (s *stubTerminal) Trade(toConn, toTerminal *buffer.Ring) (terminal.Result, error) {
	return terminal.Continue, nil
}

func newTestSession(id int, res conn.Result) (*session.Session, *stubConn) {
	c := &stubConn{res: res}
	s := session.New(id, c, &stubTerminal{}, buffer.NewRingPow2(2), buffer.NewRingPow2(2))
	return s, c
}

func TestTryAssignFillsBothHalves(t *testing.T) {
	w := New(0, 1, nil) // 1 slot per half == 2 total
	s1, _ := newTestSession(1, conn.Continue)
	s2, _ := newTestSession(2, conn.Continue)
	s3, _ := newTestSession(3, conn.Continue)

	require.True(t, w.TryAssign(s1))
	require.True(t, w.TryAssign(s2))
	require.False(t, w.TryAssign(s3), "both halves already full")
	require.False(t, w.HasFreeSlot())
}

func TestRunOnceRemovesTerminatedSessions(t *testing.T) {
	w := New(0, 2, nil)
	sEnd, cEnd := newTestSession(1, conn.End)
	sCont, _ := newTestSession(2, conn.Continue)
	require.True(t, w.TryAssign(sEnd))
	require.True(t, w.TryAssign(sCont))

	serviced, anySessions := w.RunOnce(false)
	require.Equal(t, 2, serviced)
	require.True(t, anySessions)
	require.True(t, cEnd.closed)

	serviced, anySessions = w.RunOnce(false)
	require.Equal(t, 1, serviced, "the ended session's slot was freed")
	require.True(t, anySessions)
}

func TestRunOnceEmptiesToIdle(t *testing.T) {
	w := New(0, 1, nil)
	s, _ := newTestSession(1, conn.End)
	require.True(t, w.TryAssign(s))

	_, anySessions := w.RunOnce(false)
	require.True(t, anySessions)

	_, anySessions = w.RunOnce(false)
	require.False(t, anySessions)
	require.True(t, w.Idle())
}

func TestWaitIdleWakesOnShutdown(t *testing.T) {
	w := New(0, 1, nil)
	done := make(chan struct{})
	go func() {
		w.WaitIdle()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitIdle returned before shutdown or assignment")
	case <-time.After(20 * time.Millisecond):
	}

	w.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not wake on Shutdown")
	}
	require.True(t, w.ShuttingDown())
}

func TestEWMALoadTracksOverWindow(t *testing.T) {
	w := New(0, 1, nil)
	s, _ := newTestSession(1, conn.Continue)
	require.True(t, w.TryAssign(s))

	for i := 0; i < ewmaLoopWindow; i++ {
		w.RunOnce(false)
	}
	require.Equal(t, uint32(128), w.Load(), "one session every loop for one window: avg=(0+256*1)/2=128")
}
