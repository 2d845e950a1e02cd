package fsm

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
)

const (
	// DefaultPollInterval is how often a hopping or transmitting machine is stepped without interrupts.
	DefaultPollInterval = time.Millisecond
	defaultMaxPending   = 8
	recoveryBackoff     = time.Second
)

// Inbox is a single slot mailbox for "the radio raised an interrupt". Posting to a
// full inbox is a no-op, one pending wakeup covers any number of interrupts since the
// machine reads the flag registers itself.
type Inbox struct {
	c chan struct{}
}

// NewInbox returns an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{c: make(chan struct{}, 1)}
}

// Post signals the consumer without blocking.
func (i *Inbox) Post() {
	select {
	case i.c <- struct{}{}:
	default:
	}
}

// C is the channel the consumer waits on.
func (i *Inbox) C() <-chan struct{} {
	return i.c
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// AlwaysPoll steps on every tick, for radios without wired interrupt lines.
	AlwaysPoll bool
	// Downlinks feeds the transmit queue. May be nil.
	Downlinks <-chan OutboundPacket
	// MaxPending bounds the transmit queue, the oldest packet is dropped when full.
	MaxPending int
	// RadioErr reports a failed radio bus after each step. May be nil.
	RadioErr func() error
	// Recover resets and reinitializes the radio after RadioErr reported a failure.
	Recover func(ctx context.Context) error
	// OnStep receives the machine status after each step. May be nil.
	OnStep func(Snapshot)
}

// Loop is the single consumer stepping a Machine. It steps on interrupts, soft events
// and, when the machine needs it, on a poll tick, and feeds queued downlinks into the
// outbound slot whenever the machine can transmit.
type Loop struct {
	machine *Machine
	inbox   *Inbox
	clk     clock.Clock
	cfg     LoopConfig
	logger  logging.Logger
	pending []OutboundPacket
}

// NewLoop returns a loop for m.
func NewLoop(m *Machine, inbox *Inbox, clk clock.Clock, cfg LoopConfig, logger logging.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	return &Loop{machine: m, inbox: inbox, clk: clk, cfg: cfg, logger: logger}
}

// Run steps the machine until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := l.clk.Ticker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		l.stage()
		if l.machine.SoftEvent() {
			l.step(ctx)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-l.inbox.C():
			l.step(ctx)
		case pkt := <-l.cfg.Downlinks:
			l.enqueue(pkt)
		case <-ticker.C:
			if l.cfg.AlwaysPoll || l.machine.NeedsPolling() {
				l.step(ctx)
			}
		}
	}
}

// Pending returns the number of queued downlinks.
func (l *Loop) Pending() int {
	return len(l.pending)
}

func (l *Loop) enqueue(pkt OutboundPacket) {
	if len(l.pending) >= l.cfg.MaxPending {
		l.logger.Warnw("transmit queue full, dropping oldest downlink", "tag", "TX", "queued", len(l.pending))
		l.pending = l.pending[1:]
	}
	l.pending = append(l.pending, pkt)
}

func (l *Loop) stage() {
	if len(l.pending) == 0 {
		return
	}
	if l.machine.Transmit(l.pending[0]) {
		l.pending = l.pending[1:]
	}
}

func (l *Loop) step(ctx context.Context) {
	l.machine.Step()
	if l.cfg.RadioErr != nil {
		if err := l.cfg.RadioErr(); err != nil {
			l.recoverRadio(ctx, err)
		}
	}
	if l.cfg.OnStep != nil {
		l.cfg.OnStep(l.machine.Snapshot())
	}
}

func (l *Loop) recoverRadio(ctx context.Context, cause error) {
	l.logger.Errorw("radio bus failure, reinitializing", "error", cause)
	if l.cfg.Recover == nil {
		l.machine.Reset()
		return
	}
	if err := l.cfg.Recover(ctx); err != nil {
		l.logger.Errorw("failed to reinitialize radio", "error", err)
		select {
		case <-ctx.Done():
		case <-l.clk.After(recoveryBackoff):
		}
	}
	l.machine.Reset()
}
