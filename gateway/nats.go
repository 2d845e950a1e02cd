package gateway

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsReconnectWait = 2 * time.Second
	// keep reconnecting for as long as the gateway runs
	natsMaxReconnects = -1
)

// connectNATS publishes uplinks to <subject>.up and accepts downlinks on <subject>.down.
func (g *gateway) connectNATS(url, subject string) error {
	nc, err := nats.Connect(url,
		nats.Name("sx127x-gateway-"+g.Name().Name),
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(natsMaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				g.logger.Warnw("disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			g.logger.Infow("reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return err
	}
	sub, err := nc.Subscribe(subject+".down", g.handleDownlinkMsg)
	if err != nil {
		nc.Close()
		return err
	}
	g.nc = nc
	g.sub = sub
	g.natsSubject = subject
	g.logger.Infow("forwarding uplinks to nats", "subject", subject+".up")
	return nil
}

func (g *gateway) closeNATS() {
	if g.sub != nil {
		if err := g.sub.Unsubscribe(); err != nil {
			g.logger.Debugw("error unsubscribing from downlinks", "error", err)
		}
		g.sub = nil
	}
	if g.nc != nil {
		g.nc.Close()
		g.nc = nil
	}
}

// handleDownlinkMsg accepts the same JSON object as the send_downlink command.
func (g *gateway) handleDownlinkMsg(msg *nats.Msg) {
	var req map[string]interface{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.logger.Warnw("invalid downlink message", "subject", msg.Subject, "error", err)
		return
	}
	resp, err := g.sendDownlink(req)
	if err != nil {
		g.logger.Warnw("rejected downlink message", "subject", msg.Subject, "error", err)
		return
	}
	g.logger.Debugw("queued downlink from nats", "subject", msg.Subject, "frequency_hz", resp["frequency_hz"])
	if msg.Reply != "" {
		if data, err := json.Marshal(resp); err == nil {
			if err := msg.Respond(data); err != nil {
				g.logger.Debugw("error answering downlink request", "error", err)
			}
		}
	}
}

func (g *gateway) publishUplink(rec *uplinkRecord) error {
	if g.nc == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return g.nc.Publish(g.natsSubject+".up", data)
}
