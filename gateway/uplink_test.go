package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/viam-modules/sx127x-gateway/fsm"
	"github.com/viam-modules/sx127x-gateway/sx127x"
)

var (
	testDevAddr = "E2736566"
	// unconfirmed data up from E2736566, FCnt 7, FPort 2, three bytes of payload
	testDataUplink = []byte{
		0x40, 0x66, 0x65, 0x73, 0xE2, 0x00, 0x07, 0x00, 0x02,
		0xAA, 0xBB, 0xCC,
		0x01, 0x02, 0x03, 0x04,
	}
)

func testInbound(payload []byte) fsm.InboundPacket {
	return fsm.InboundPacket{
		Payload:        payload,
		SNR:            6,
		RawRSSI:        100,
		RSSICorrection: 157,
		SF:             sx127x.SF9,
		Channel:        2,
		Frequency:      904300000,
	}
}

func TestHandleUplink(t *testing.T) {
	t.Setenv("VIAM_MODULE_DATA", t.TempDir())
	g, clk := newTestGateway(t)
	test.That(t, g.setupSqlite(context.Background()), test.ShouldBeNil)
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	buf := append([]byte(nil), testDataUplink...)
	test.That(t, g.handleUplink(testInbound(buf)), test.ShouldEqual, 1)
	// the machine reuses its receive buffer after the handler returns
	for i := range buf {
		buf[i] = 0
	}

	readings, err := g.Readings(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	dev, ok := readings[testDevAddr].(map[string]interface{})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, dev["mtype"], test.ShouldEqual, "UnconfirmedDataUp")
	test.That(t, dev["fcnt"], test.ShouldEqual, 7)
	test.That(t, dev["fport"], test.ShouldEqual, 2)
	test.That(t, dev["payload"], test.ShouldEqual, "AABBCC")
	test.That(t, dev["rssi"], test.ShouldEqual, 100-157)
	test.That(t, dev["snr"], test.ShouldEqual, 6)
	test.That(t, dev["spreading_factor"], test.ShouldEqual, 9)
	test.That(t, dev["received_at"], test.ShouldEqual, "2024-05-01T12:00:00Z")

	test.That(t, g.lastUplink, test.ShouldNotBeNil)
	test.That(t, g.lastUplink.Channel, test.ShouldEqual, 2)
	test.That(t, g.lastUplink.Payload, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		records, err := g.recentUplinks(context.Background(), 5)
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, len(records), test.ShouldEqual, 1)
		test.That(tb, records[0].Device, test.ShouldEqual, testDevAddr)
		test.That(tb, records[0].Payload, test.ShouldEqual, "AABBCC")
		test.That(tb, records[0].Frequency, test.ShouldEqual, 904300000)
	})
}

func TestHandleUplinkJoinRequest(t *testing.T) {
	g, _ := newTestGateway(t)
	join := []byte{
		0x00,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x10, 0x0F, 0x0E, 0x0D, 0x0C, 0x0B, 0x0A, 0x09,
		0x11, 0x12,
		0x01, 0x02, 0x03, 0x04,
	}
	test.That(t, g.handleUplink(testInbound(join)), test.ShouldEqual, 1)
	readings, err := g.Readings(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	dev, ok := readings["090A0B0C0D0E0F10"].(map[string]interface{})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, dev["mtype"], test.ShouldEqual, "JoinRequest")
}

func TestHandleUplinkNotLoRaWAN(t *testing.T) {
	g, _ := newTestGateway(t)
	test.That(t, g.handleUplink(testInbound([]byte{0x41, 0x00, 0x01})), test.ShouldEqual, 0)
	test.That(t, g.handleUplink(testInbound([]byte{0x40, 0x01})), test.ShouldEqual, 0)
	test.That(t, len(g.lastReadings), test.ShouldEqual, 0)
	test.That(t, g.lastUplink, test.ShouldBeNil)
}

func TestHandleUplinkProprietary(t *testing.T) {
	g, _ := newTestGateway(t)
	path := filepath.Join(t.TempDir(), "codec.js")
	codec := `function Decode(fPort, bytes) { return { temperature: (bytes[0] << 8 | bytes[1]) / 10 }; }`
	test.That(t, os.WriteFile(path, []byte(codec), 0o600), test.ShouldBeNil)
	g.decoderPath = path

	test.That(t, g.handleUplink(testInbound([]byte{0xE0, 0x00, 0xEB})), test.ShouldEqual, 1)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		readings, err := g.Readings(context.Background(), nil)
		test.That(tb, err, test.ShouldBeNil)
		dev, ok := readings["proprietary"].(map[string]interface{})
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, dev["payload"], test.ShouldEqual, "00EB")
		test.That(tb, dev["temperature"], test.ShouldAlmostEqual, 23.5)
	})
}
