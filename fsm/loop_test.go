package fsm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/sx127x-gateway/sx127x"
)

func TestInbox(t *testing.T) {
	inbox := NewInbox()
	inbox.Post()
	inbox.Post()
	inbox.Post()
	<-inbox.C()
	select {
	case <-inbox.C():
		t.Fatal("inbox held more than one wakeup")
	default:
	}
}

// runLoop runs a loop until stop returns true for a snapshot or the test times out.
func runLoop(t *testing.T, tm *testMachine, cfg LoopConfig, stop func(Snapshot) bool) (*Loop, Snapshot) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snaps := make(chan Snapshot, 1024)
	cfg.OnStep = func(s Snapshot) {
		select {
		case snaps <- s:
		default:
		}
	}
	loop := NewLoop(tm.Machine, NewInbox(), tm.clk, cfg, logging.NewTestLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	var last Snapshot
	for {
		select {
		case s := <-snaps:
			last = s
			if stop(s) {
				cancel()
				<-done
				return loop, last
			}
		case <-ctx.Done():
			<-done
			t.Fatalf("loop never reached the expected state, last snapshot %+v", last)
		}
	}
}

func TestLoopTransmitsQueuedDownlink(t *testing.T) {
	tm := newTestMachine(t, cadMode)
	downlinks := make(chan OutboundPacket, 1)
	downlinks <- testDownlink

	_, snap := runLoop(t, tm, LoopConfig{Downlinks: downlinks}, func(s Snapshot) bool {
		return s.Stats.Transmitted == 1 && s.State == StateTxDone
	})
	test.That(t, snap.State, test.ShouldEqual, StateTxDone)
	test.That(t, len(tm.radio.tx), test.ShouldEqual, 1)
	test.That(t, tm.radio.tx[0].Frequency, test.ShouldEqual, testDownlink.Frequency)
}

func TestLoopStepsOnInterrupt(t *testing.T) {
	tm := newTestMachine(t, cadMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox := NewInbox()
	snaps := make(chan Snapshot, 1024)
	loop := NewLoop(tm.Machine, inbox, tm.clk, LoopConfig{OnStep: func(s Snapshot) { snaps <- s }}, logging.NewTestLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	// the init soft event runs without an interrupt
	s := <-snaps
	test.That(t, s.State, test.ShouldEqual, StateScan)

	tm.radio.raise(sx127x.IRQCadDetected)
	inbox.Post()
	s = <-snaps
	test.That(t, s.State, test.ShouldEqual, StateRx)
	test.That(t, s.Stats.Detections, test.ShouldEqual, 1)

	cancel()
	<-done
}

func TestLoopRecoversRadio(t *testing.T) {
	tm := newTestMachine(t, cadMode)
	failed := false
	recovered := 0
	cfg := LoopConfig{
		RadioErr: func() error {
			if failed {
				return nil
			}
			failed = true
			return errors.New("bus gone")
		},
		Recover: func(ctx context.Context) error {
			recovered++
			return nil
		},
	}
	steps := 0
	_, snap := runLoop(t, tm, cfg, func(s Snapshot) bool {
		steps++
		return steps == 2
	})
	test.That(t, recovered, test.ShouldEqual, 1)
	// the failed step is replayed from init
	test.That(t, snap.State, test.ShouldEqual, StateScan)
}

func TestLoopQueueBound(t *testing.T) {
	tm := newTestMachine(t, cadMode)
	loop := NewLoop(tm.Machine, NewInbox(), tm.clk, LoopConfig{MaxPending: 2}, logging.NewTestLogger(t))
	first := testDownlink
	first.Timestamp = 1
	loop.enqueue(first)
	loop.enqueue(testDownlink)
	loop.enqueue(testDownlink)
	test.That(t, loop.Pending(), test.ShouldEqual, 2)
	test.That(t, loop.pending[0].Timestamp, test.ShouldEqual, testDownlink.Timestamp)

	// nothing is staged before the machine has initialized
	loop.stage()
	test.That(t, loop.Pending(), test.ShouldEqual, 2)
	tm.Step()
	loop.stage()
	test.That(t, loop.Pending(), test.ShouldEqual, 1)
	test.That(t, tm.State(), test.ShouldEqual, StateTx)
}

func TestLoopAlwaysPoll(t *testing.T) {
	tm := newTestMachine(t, cadMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps := make(chan Snapshot, 1024)
	cfg := LoopConfig{AlwaysPoll: true, OnStep: func(s Snapshot) { snaps <- s }}
	loop := NewLoop(tm.Machine, NewInbox(), tm.clk, cfg, logging.NewTestLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	s := <-snaps
	test.That(t, s.State, test.ShouldEqual, StateScan)

	// no interrupt is posted, the tick alone picks up the detection
	tm.radio.raise(sx127x.IRQCadDetected)
	for s.State == StateScan {
		tm.clk.Add(DefaultPollInterval)
		select {
		case s = <-snaps:
		case <-time.After(10 * time.Millisecond):
		}
	}
	test.That(t, s.State, test.ShouldEqual, StateRx)

	cancel()
	<-done
}
