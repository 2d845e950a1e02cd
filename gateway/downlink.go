package gateway

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/viam-modules/sx127x-gateway/fsm"
	"github.com/viam-modules/sx127x-gateway/sx127x"
	"github.com/viam-modules/sx127x-gateway/timing"
)

// maxDownlinkDelay bounds delay_ms, class A receive windows open within seconds of an uplink.
const maxDownlinkDelay = time.Minute

var (
	errDownlinkRequestType = errors.New("send_downlink expects a map")
	errNoPayload           = errors.New("downlink payload is required")
	errPayloadTooLarge     = fmt.Errorf("downlink payload is larger than %d bytes", sx127x.MaxPayload-1)
	errUnknownEncoding     = errors.New("payload encoding must be hex or base64")
	errUnknownWindow       = errors.New("window must be rx1 or rx2")
	errNoUplinkForRX1      = errors.New("no uplink received yet, rx1 needs frequency_hz")
	errInvalidDelay        = fmt.Errorf("delay_ms must be between 0 and %d", maxDownlinkDelay.Milliseconds())
	errDownlinkQueueFull   = errors.New("downlink queue is full")
)

// downlinkRequest is a parsed send_downlink command.
type downlinkRequest struct {
	packet fsm.OutboundPacket
	delay  time.Duration
}

// parseDownlink converts a send_downlink map, as it arrives over the wire or from nats, into a
// packet for the radio. Numbers are float64 after the trip through protobuf or JSON.
func (g *gateway) parseDownlink(req map[string]interface{}) (*downlinkRequest, error) {
	raw, ok := req["payload"].(string)
	if !ok || raw == "" {
		return nil, errNoPayload
	}
	var payload []byte
	var err error
	encoding, _ := req["encoding"].(string)
	switch strings.ToLower(encoding) {
	case "", "hex":
		payload, err = hex.DecodeString(raw)
	case "base64":
		payload, err = base64.StdEncoding.DecodeString(raw)
	default:
		return nil, errUnknownEncoding
	}
	if err != nil {
		return nil, fmt.Errorf("error decoding downlink payload: %w", err)
	}
	if len(payload) > sx127x.MaxPayload-1 {
		return nil, errPayloadTooLarge
	}

	pkt := fsm.OutboundPacket{
		Payload:  payload,
		PowerDBm: g.txPower,
		InvertIQ: true,
	}

	window, _ := req["window"].(string)
	switch strings.ToLower(window) {
	case "", "rx1":
		g.readingsMu.Lock()
		last := g.lastUplink
		g.readingsMu.Unlock()
		if last != nil {
			pkt.Frequency = g.plan.RX1Frequency(last.Channel)
			pkt.SF = last.SF
		}
	case "rx2":
		pkt.Frequency = g.plan.RX2Frequency
		pkt.SF = g.plan.RX2SF
	default:
		return nil, errUnknownWindow
	}

	if freq, ok := toInt(req["frequency_hz"]); ok {
		pkt.Frequency = uint32(freq)
	}
	if pkt.Frequency == 0 {
		return nil, errNoUplinkForRX1
	}
	if sf, ok := toInt(req["sf"]); ok {
		pkt.SF = sx127x.SpreadingFactor(sf)
	}
	if !pkt.SF.Valid() {
		pkt.SF = sx127x.SF7
	}
	if power, ok := toInt(req["power"]); ok {
		if power < minTxPower || power > maxTxPower {
			return nil, errInvalidTxPower
		}
		pkt.PowerDBm = power
	}
	if invert, ok := req["invert_iq"].(bool); ok {
		pkt.InvertIQ = invert
	}
	if crc, ok := req["crc"].(bool); ok {
		pkt.CRC = crc
	}

	var delay time.Duration
	if ms, ok := req["delay_ms"].(float64); ok {
		delay = msToDuration(ms)
	} else if ms, ok := toInt(req["delay_ms"]); ok {
		delay = time.Duration(ms) * time.Millisecond
	}
	if delay < 0 || delay > maxDownlinkDelay {
		return nil, errInvalidDelay
	}
	pkt.Timestamp = g.counter.Micros() + timing.Micros(delay)

	return &downlinkRequest{packet: pkt, delay: delay}, nil
}

// sendDownlink queues a downlink for the state machine, after its delay.
func (g *gateway) sendDownlink(req map[string]interface{}) (map[string]interface{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, err := g.parseDownlink(req)
	if err != nil {
		return nil, err
	}
	if err := g.queueDownlink(d); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"queued":           true,
		"frequency_hz":     int(d.packet.Frequency),
		"spreading_factor": int(d.packet.SF),
		"power":            d.packet.PowerDBm,
		"delay_ms":         d.delay.Milliseconds(),
	}, nil
}

func (g *gateway) queueDownlink(d *downlinkRequest) error {
	if d.delay == 0 {
		select {
		case g.downlinks <- d.packet:
			return nil
		default:
			return errDownlinkQueueFull
		}
	}
	g.scheduler.Add(func(ctx context.Context) {
		select {
		case <-ctx.Done():
			return
		case <-g.clk.After(d.delay):
		}
		select {
		case g.downlinks <- d.packet:
		case <-ctx.Done():
		}
	})
	return nil
}

// toInt accepts the numeric types a command map can hold.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	default:
		return 0, false
	}
}
