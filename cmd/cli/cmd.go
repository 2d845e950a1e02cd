// Package main runs the gateway state machine on a radio wired to the host, without a robot.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/viam-modules/sx127x-gateway/fsm"
	"github.com/viam-modules/sx127x-gateway/gpio"
	"github.com/viam-modules/sx127x-gateway/parser"
	"github.com/viam-modules/sx127x-gateway/regions"
	"github.com/viam-modules/sx127x-gateway/sx127x"
	"github.com/viam-modules/sx127x-gateway/timing"
)

type options struct {
	spi      string
	reset    string
	dio      []string
	region   string
	channel  int
	sf       int
	cad      bool
	hop      bool
	crc      bool
	duration time.Duration
	status   time.Duration
}

func main() {
	opts := options{}
	var dio0, dio1 string
	flag.StringVar(&opts.spi, "spi", "/dev/spidev0.0", "spi port of the radio")
	flag.StringVar(&opts.reset, "reset", "GPIO17", "host pin driving the radio reset line")
	flag.StringVar(&dio0, "dio0", "GPIO4", "host pin wired to DIO0, empty to poll")
	flag.StringVar(&dio1, "dio1", "GPIO5", "host pin wired to DIO1, empty to poll")
	flag.StringVar(&opts.region, "region", "US915", "channel plan, US915 or EU868")
	flag.IntVar(&opts.channel, "channel", 0, "starting channel of the plan")
	flag.IntVar(&opts.sf, "sf", 7, "spreading factor when not scanning")
	flag.BoolVar(&opts.cad, "cad", true, "scan spreading factors with channel activity detection")
	flag.BoolVar(&opts.hop, "hop", false, "hop over the channels of the plan")
	flag.BoolVar(&opts.crc, "crc", true, "drop packets with a bad crc")
	flag.DurationVar(&opts.duration, "duration", 0, "stop after this long, 0 runs until interrupted")
	flag.DurationVar(&opts.status, "status", 10*time.Second, "how often to log the gateway status")
	flag.Parse()
	if dio0 != "" && dio1 != "" {
		opts.dio = []string{dio0, dio1}
	}

	err := realMain(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain(opts options) error {
	logger := logging.NewLogger("cli")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if opts.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, opts.duration)
		defer stop()
	}

	plan, ok := regions.GetPlan(regions.GetRegion(opts.region))
	if !ok {
		return fmt.Errorf("unknown region %q", opts.region)
	}
	sf := sx127x.SpreadingFactor(opts.sf)
	if !sf.Valid() {
		return errors.New("spreading factor must be between 7 and 12")
	}
	channel := opts.channel % len(plan.Uplink)

	if _, err := host.Init(); err != nil {
		return err
	}
	rst := gpioreg.ByName(opts.reset)
	if rst == nil {
		return fmt.Errorf("reset pin %s not found", opts.reset)
	}
	resetPin := gpio.PeriphOut{Pin: rst}

	dev, err := sx127x.Open(opts.spi)
	if err != nil {
		return err
	}
	//nolint:errcheck
	defer dev.Close()

	if err := gpio.ResetRadio(ctx, resetPin); err != nil {
		return err
	}
	if err := dev.Init(plan.Uplink[channel]); err != nil {
		return err
	}
	logger.Infow("radio initialized", "model", dev.Model(), "region", plan.Region, "frequency_hz", plan.Uplink[channel])

	var irqs []gpio.EdgeSource
	for _, name := range opts.dio {
		pin, err := gpio.OpenInterrupt(name)
		if err != nil {
			return err
		}
		irqs = append(irqs, pin)
	}

	clk := clock.New()
	machine := fsm.New(fsm.Config{
		Radio:          fsm.RadioContext{SF: sf, Hop: opts.hop, CAD: opts.cad, Channel: channel},
		Plan:           plan.Uplink,
		CRCCheck:       opts.crc,
		RSSICorrection: dev.Model().RSSICorrection(),
	}, dev, timing.New(clk), func(pkt fsm.InboundPacket) int {
		logUplink(logger, pkt)
		return 1
	}, logger)

	inbox := fsm.NewInbox()
	statusTicker := clk.Ticker(opts.status)
	defer statusTicker.Stop()
	statuses := make(chan fsm.Snapshot, 1)
	loop := fsm.NewLoop(machine, inbox, clk, fsm.LoopConfig{
		AlwaysPoll: len(irqs) == 0,
		RadioErr:   dev.Err,
		Recover: func(ctx context.Context) error {
			if err := gpio.ResetRadio(ctx, resetPin); err != nil {
				return err
			}
			return dev.Init(plan.Uplink[channel])
		},
		OnStep: func(s fsm.Snapshot) {
			select {
			case <-statusTicker.C:
				select {
				case statuses <- s:
				default:
				}
			default:
			}
		},
	}, logger)

	workers := utils.NewBackgroundStoppableWorkers(loop.Run)
	for _, irq := range irqs {
		workers.Add(func(ctx context.Context) {
			gpio.Watch(ctx, irq, inbox.Post)
		})
	}
	defer workers.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-statuses:
			logger.Infow("status", "state", s.State, "channel", s.Radio.Channel, "frequency_hz", s.Frequency,
				"sf", s.Radio.SF, "detections", s.Stats.Detections, "received", s.Stats.Received,
				"crc_errors", s.Stats.CRCErrors, "hops", s.Stats.Hops)
		}
	}
}

func logUplink(logger logging.Logger, pkt fsm.InboundPacket) {
	fields := []interface{}{
		"rssi", pkt.RSSI(), "snr", pkt.SNR, "sf", pkt.SF, "frequency_hz", pkt.Frequency,
		"phy", hex.EncodeToString(pkt.Payload),
	}
	frame, err := parser.Parse(pkt.Payload)
	if err != nil {
		logger.Infow("received packet", append(fields, "error", err)...)
		return
	}
	switch frame.MType {
	case parser.JoinRequest:
		fields = append(fields, "dev_eui", frame.DevEUI, "join_eui", frame.JoinEUI)
	case parser.UnconfirmedDataUp, parser.ConfirmedDataUp, parser.UnconfirmedDataDown, parser.ConfirmedDataDown:
		fields = append(fields, "dev_addr", frame.DevAddr, "fcnt", frame.FCnt, "fport", frame.FPort)
	case parser.JoinAccept, parser.RejoinRequest, parser.Proprietary:
	}
	logger.Infow("received "+frame.MType.String(), fields...)
}
