package gateway

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/viam-modules/sx127x-gateway/fsm"
	"github.com/viam-modules/sx127x-gateway/parser"
)

// handleUplink runs on the state machine goroutine for every good packet. The payload
// is only valid during the call, so it is copied before anything else.
func (g *gateway) handleUplink(pkt fsm.InboundPacket) int {
	phy := append([]byte(nil), pkt.Payload...)
	pkt.Payload = nil

	frame, err := parser.Parse(phy)
	if err != nil {
		g.logger.Warnw("dropping frame that is not LoRaWAN", "error", err, "size", len(phy), "rssi", pkt.RSSI())
		return 0
	}
	rec := newUplinkRecord(frame, phy, pkt, g.clk.Now())
	g.logger.Infow("received uplink", "device", rec.Device, "mtype", rec.MType, "fcnt", rec.FCnt,
		"rssi", rec.RSSI, "snr", rec.SNR, "sf", rec.SF, "frequency_hz", rec.Frequency)

	g.readingsMu.Lock()
	g.lastUplink = &pkt
	g.readingsMu.Unlock()
	g.updateReadings(rec.Device, rec.readings())

	g.workers.Add(func(ctx context.Context) {
		g.processUplink(ctx, frame, phy, rec)
	})
	return 1
}

// processUplink decodes proprietary payloads, stores the uplink and forwards it.
func (g *gateway) processUplink(ctx context.Context, frame *parser.Frame, phy []byte, rec *uplinkRecord) {
	if frame.MType == parser.Proprietary && g.decoderPath != "" {
		decoded, err := parser.DecodePayload(0, g.decoderPath, phy[1:])
		if err != nil {
			g.logger.Errorw("error decoding proprietary payload", "device", rec.Device, "error", err)
		} else {
			rec.Decoded = decoded
			g.updateReadings(rec.Device, decoded)
		}
	}
	if err := g.insertUplink(ctx, rec); err != nil {
		g.logger.Errorw("error saving uplink", "device", rec.Device, "error", err)
	}
	if err := g.publishUplink(rec); err != nil {
		g.logger.Errorw("error forwarding uplink", "device", rec.Device, "error", err)
	}
}

func newUplinkRecord(frame *parser.Frame, phy []byte, pkt fsm.InboundPacket, now time.Time) *uplinkRecord {
	rec := &uplinkRecord{
		ReceivedAt: now.UTC(),
		MType:      frame.MType.String(),
		RSSI:       pkt.RSSI(),
		SNR:        pkt.SNR,
		SF:         int(pkt.SF),
		Frequency:  int(pkt.Frequency),
		Channel:    pkt.Channel,
	}
	switch frame.MType {
	case parser.JoinRequest:
		rec.Device = frame.DevEUI.String()
	case parser.UnconfirmedDataUp, parser.ConfirmedDataUp, parser.UnconfirmedDataDown, parser.ConfirmedDataDown:
		rec.Device = frame.DevAddr.String()
		rec.FCnt = int(frame.FCnt)
		if frame.HasFPort {
			rec.FPort = int(frame.FPort)
		}
		rec.Payload = strings.ToUpper(hex.EncodeToString(frame.FRMPayload))
	case parser.JoinAccept, parser.RejoinRequest, parser.Proprietary:
		rec.Device = strings.ToLower(frame.MType.String())
		rec.Payload = strings.ToUpper(hex.EncodeToString(phy[1:]))
	default:
		rec.Device = "unknown"
	}
	return rec
}

// readings are the device readings of the uplink.
func (rec *uplinkRecord) readings() map[string]interface{} {
	r := map[string]interface{}{
		"mtype":            rec.MType,
		"fcnt":             rec.FCnt,
		"fport":            rec.FPort,
		"payload":          rec.Payload,
		"rssi":             rec.RSSI,
		"snr":              rec.SNR,
		"spreading_factor": rec.SF,
		"frequency_hz":     rec.Frequency,
		"received_at":      rec.ReceivedAt.Format(time.RFC3339Nano),
	}
	if rec.ID != "" {
		r["id"] = rec.ID
	}
	return r
}
