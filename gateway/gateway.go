// Package gateway implements the single channel sx127x gateway model.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
	"periph.io/x/host/v3"

	"github.com/viam-modules/sx127x-gateway/fsm"
	"github.com/viam-modules/sx127x-gateway/gpio"
	"github.com/viam-modules/sx127x-gateway/regions"
	"github.com/viam-modules/sx127x-gateway/sx127x"
	"github.com/viam-modules/sx127x-gateway/timing"
)

const downlinkBuffer = 16

// Model represents a single channel sx127x gateway model.
var Model = resource.NewModel("viam", "lorawan", "sx127x-single-channel")

func init() {
	resource.RegisterComponent(
		sensor.API,
		Model,
		resource.Registration[sensor.Sensor, *Config]{
			Constructor: NewGateway,
		})
}

// radioDevice is the radio driver the gateway runs the state machine on.
type radioDevice interface {
	fsm.Radio
	Init(frequency uint32) error
	Err() error
	Model() sx127x.Model
	Close() error
}

// gateway defines a single channel lorawan gateway.
type gateway struct {
	resource.Named
	logger logging.Logger
	mu     sync.Mutex

	clk     clock.Clock
	counter *timing.Clock

	// workers runs the state machine loop, the interrupt watchers and uplink processing.
	workers *utils.StoppableWorkers
	// scheduler holds delayed downlinks, it outlives reconfigure like the downlink queue.
	scheduler *utils.StoppableWorkers
	radio   radioDevice
	rstPin  board.GPIOPin
	started bool

	plan        regions.Plan
	initFreq    uint32
	txPower     int
	decoderPath string
	downlinks   chan fsm.OutboundPacket

	readingsMu     sync.Mutex
	lastReadings   map[string]interface{} // map of devices to readings
	status         fsm.Snapshot
	rssiCorrection int
	// channel and spreading factor of the last uplink, answered in rx1
	lastUplink *fsm.InboundPacket

	db          *sql.DB
	nc          *nats.Conn
	sub         *nats.Subscription
	natsSubject string
}

// NewGateway creates a new gateway.
func NewGateway(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	g := newGateway(conf.ResourceName().AsNamed(), clock.New(), logger)

	err := g.Reconfigure(ctx, deps, conf)
	if err != nil {
		return nil, err
	}

	return g, nil
}

func newGateway(named resource.Named, clk clock.Clock, logger logging.Logger) *gateway {
	return &gateway{
		Named:        named,
		logger:       logger,
		clk:          clk,
		counter:      timing.New(clk),
		scheduler:    utils.NewBackgroundStoppableWorkers(),
		downlinks:    make(chan fsm.OutboundPacket, downlinkBuffer),
		lastReadings: make(map[string]interface{}),
	}
}

// Reconfigure reconfigures the gateway.
func (g *gateway) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// stop the radio and everything feeding it before touching the config.
	if g.started {
		if err := g.reset(ctx); err != nil {
			return err
		}
	}

	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return err
	}

	b, err := board.FromDependencies(deps, cfg.BoardName)
	if err != nil {
		return err
	}

	// adding io before the pin allows you to use the GPIO number.
	rstPin, err := b.GPIOPinByName("io" + strconv.Itoa(*cfg.ResetPin))
	if err != nil {
		return err
	}
	g.rstPin = rstPin

	// keep the uplink history open through reconfigure.
	if g.db == nil {
		if err := g.setupSqlite(ctx); err != nil {
			return fmt.Errorf("error setting up uplink history: %w", err)
		}
	}

	s := cfg.settings(g.Name().Name)
	g.decoderPath = cfg.DecoderPath

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("error initializing host drivers: %w", err)
	}
	dev, err := sx127x.Open(s.spiPath)
	if err != nil {
		return err
	}

	// forwarding is optional, a broker that is down must not keep the radio from running.
	if cfg.NATSURL != "" {
		if err := g.connectNATS(cfg.NATSURL, s.natsSubject); err != nil {
			g.logger.Errorw("error connecting to nats, uplinks will not be forwarded", "url", cfg.NATSURL, "error", err)
		}
	}

	if err := g.startRadio(ctx, s, dev, g.openInterrupts(s.dio)); err != nil {
		g.closeNATS()
		return err
	}
	return nil
}

// openInterrupts opens the DIO lines. The gateway polls the radio when they are not available.
func (g *gateway) openInterrupts(names []string) []gpio.EdgeSource {
	var pins []gpio.EdgeSource
	for _, name := range names {
		pin, err := gpio.OpenInterrupt(name)
		if err != nil {
			g.logger.Warnw("radio interrupts unavailable, polling the radio instead", "pin", name, "error", err)
			return nil
		}
		pins = append(pins, pin)
	}
	return pins
}

// startRadio resets and initializes dev and starts the state machine on it.
func (g *gateway) startRadio(ctx context.Context, s settings, dev radioDevice, irqs []gpio.EdgeSource) error {
	if err := gpio.ResetRadio(ctx, g.rstPin); err != nil {
		return errors.Join(fmt.Errorf("error resetting the radio: %w", err), dev.Close())
	}
	g.initFreq = s.plan.Uplink[s.machine.Radio.Channel]
	if err := dev.Init(g.initFreq); err != nil {
		return errors.Join(fmt.Errorf("failed to initialize the radio: %w", err), dev.Close())
	}
	g.logger.Infow("radio initialized", "model", dev.Model(), "region", s.plan.Region, "frequency_hz", g.initFreq,
		"cad", s.machine.Radio.CAD, "hop", s.machine.Radio.Hop)

	g.radio = dev
	g.plan = s.plan
	g.txPower = s.txPower

	g.readingsMu.Lock()
	g.rssiCorrection = dev.Model().RSSICorrection()
	g.readingsMu.Unlock()
	s.machine.RSSICorrection = dev.Model().RSSICorrection()

	// the uplink handler hands work to the workers, so they exist before the loop runs.
	g.workers = utils.NewBackgroundStoppableWorkers()
	machine := fsm.New(s.machine, dev, g.counter, g.handleUplink, g.logger)
	inbox := fsm.NewInbox()
	loop := fsm.NewLoop(machine, inbox, g.clk, fsm.LoopConfig{
		PollInterval: s.pollInterval,
		AlwaysPoll:   len(irqs) == 0,
		Downlinks:    g.downlinks,
		RadioErr:     dev.Err,
		Recover:      g.recoverRadio,
		OnStep:       g.updateStatus,
	}, g.logger)

	g.workers.Add(loop.Run)
	for _, irq := range irqs {
		g.workers.Add(func(ctx context.Context) {
			gpio.Watch(ctx, irq, inbox.Post)
		})
	}
	g.started = true
	return nil
}

// recoverRadio runs on the loop goroutine after a bus failure.
func (g *gateway) recoverRadio(ctx context.Context) error {
	if err := gpio.ResetRadio(ctx, g.rstPin); err != nil {
		return err
	}
	return g.radio.Init(g.initFreq)
}

func (g *gateway) updateStatus(s fsm.Snapshot) {
	g.readingsMu.Lock()
	defer g.readingsMu.Unlock()
	g.status = s
}

func (g *gateway) updateReadings(name string, newReadings map[string]interface{}) {
	g.readingsMu.Lock()
	defer g.readingsMu.Unlock()
	readings, ok := g.lastReadings[name].(map[string]interface{})
	if !ok {
		// readings for this device does not exist yet
		g.lastReadings[name] = newReadings
		return
	}
	for key, val := range newReadings {
		readings[key] = val
	}
}

// DoCommand validates that the dependency is a gateway, queues downlinks and reads the uplink history.
func (g *gateway) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	// Validate that the dependency is correct.
	if _, ok := cmd["validate"]; ok {
		return map[string]interface{}{"validate": 1}, nil
	}
	if req, ok := cmd["send_downlink"]; ok {
		reqMap, ok := req.(map[string]interface{})
		if !ok {
			return nil, errDownlinkRequestType
		}
		return g.sendDownlink(reqMap)
	}
	if n, ok := cmd["recent_uplinks"]; ok {
		limit, ok := toInt(n)
		if !ok || limit <= 0 {
			limit = defaultRecentUplinks
		}
		records, err := g.recentUplinks(ctx, limit)
		if err != nil {
			return nil, err
		}
		uplinks := make([]interface{}, 0, len(records))
		for _, rec := range records {
			uplinks = append(uplinks, rec.readings())
		}
		return map[string]interface{}{"uplinks": uplinks}, nil
	}

	return map[string]interface{}{}, nil
}

// Readings returns the gateway status and the last uplink of every device.
func (g *gateway) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	g.readingsMu.Lock()
	defer g.readingsMu.Unlock()

	// no readings available yet
	if len(g.lastReadings) == 0 {
		// Tell the collector not to capture the empty data.
		if extra[data.FromDMString] == true {
			return map[string]interface{}{}, data.ErrNoCaptureToStore
		}
	}

	readings := make(map[string]interface{}, len(g.lastReadings)+1)
	for name, r := range g.lastReadings {
		readings[name] = r
	}
	readings["gateway"] = statusReadings(g.status, g.rssiCorrection)
	return readings, nil
}

func statusReadings(s fsm.Snapshot, rssiCorrection int) map[string]interface{} {
	r := map[string]interface{}{
		"state":              s.State.String(),
		"channel":            s.Radio.Channel,
		"frequency_hz":       int(s.Frequency),
		"spreading_factor":   int(s.Radio.SF),
		"cad":                s.Radio.CAD,
		"hop":                s.Radio.Hop,
		"rssi":               int(s.RSSI) - rssiCorrection,
		"detections":         s.Stats.Detections,
		"received":           s.Stats.Received,
		"crc_errors":         s.Stats.CRCErrors,
		"read_errors":        s.Stats.ReadErrors,
		"rx_timeouts":        s.Stats.RxTimeouts,
		"hops":               s.Stats.Hops,
		"transmitted":        s.Stats.Transmitted,
		"tx_lost":            s.Stats.TxLost,
		"unknown_interrupts": s.Stats.UnknownInterrupts,
	}
	if p := s.LastPacket; p != nil {
		r["last_rssi"] = p.RSSI()
		r["last_snr"] = p.SNR
		r["last_spreading_factor"] = int(p.SF)
		r["last_detect_latency_us"] = int(p.DetectLatency)
	}
	return r
}

// Close closes the gateway.
func (g *gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.reset(ctx)
	g.scheduler.Stop()
	if g.db != nil {
		err = errors.Join(err, g.db.Close())
		g.db = nil
	}
	return err
}

// reset stops the state machine, forwarding and the radio.
func (g *gateway) reset(ctx context.Context) error {
	if g.workers != nil {
		g.workers.Stop()
		g.workers = nil
	}
	g.closeNATS()
	var err error
	if g.radio != nil {
		err = g.radio.Close()
		g.radio = nil
	}
	// leave the radio in its power on state.
	if g.rstPin != nil {
		if resetErr := gpio.ResetRadio(ctx, g.rstPin); resetErr != nil {
			g.logger.Errorw("error resetting the radio", "error", resetErr)
		}
	}
	g.started = false
	return err
}
