package sx127x

import (
	"errors"
	"testing"

	"go.viam.com/test"

	"github.com/viam-modules/sx127x-gateway/testutils"
)

func newTestDevice(t *testing.T, version uint8) (*Device, *testutils.FakeRadio) {
	t.Helper()
	fake := testutils.NewFakeRadio(version)
	d := New(fake)
	return d, fake
}

func TestInit(t *testing.T) {
	t.Run("sx1276", func(t *testing.T) {
		d, fake := newTestDevice(t, testutils.VersionSX1276)
		test.That(t, d.Err(), test.ShouldBeError, ErrNotInitialized)

		err := d.Init(868100000)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, d.Err(), test.ShouldBeNil)
		test.That(t, d.Model(), test.ShouldEqual, ModelSX1276)
		test.That(t, d.Model().RSSICorrection(), test.ShouldEqual, 157)

		// sleep, LoRa sleep, then LoRa standby last
		modes := fake.WritesTo(RegOpMode)
		test.That(t, modes[0], test.ShouldEqual, OpModeSleep)
		test.That(t, modes[1], test.ShouldEqual, OpModeLoRa|OpModeSleep)
		test.That(t, modes[len(modes)-1], test.ShouldEqual, OpModeLoRa|OpModeStandby)
		test.That(t, fake.Register(RegSyncWord), test.ShouldEqual, 0x34)
		test.That(t, fake.Register(RegInvertIQ), test.ShouldEqual, 0x27)
	})

	t.Run("sx1272", func(t *testing.T) {
		d, _ := newTestDevice(t, testutils.VersionSX1272)
		test.That(t, d.Init(868100000), test.ShouldBeNil)
		test.That(t, d.Model(), test.ShouldEqual, ModelSX1272)
		test.That(t, d.Model().RSSICorrection(), test.ShouldEqual, 139)
	})

	t.Run("unknown version", func(t *testing.T) {
		d, _ := newTestDevice(t, 0x00)
		err := d.Init(868100000)
		test.That(t, errors.Is(err, ErrNotDetected), test.ShouldBeTrue)
		test.That(t, d.Model(), test.ShouldEqual, ModelUnknown)
		test.That(t, errors.Is(d.Err(), ErrNotDetected), test.ShouldBeTrue)
	})

	t.Run("spi failure", func(t *testing.T) {
		d, fake := newTestDevice(t, testutils.VersionSX1276)
		fake.Fail(errors.New("bus gone"))
		err := d.Init(868100000)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "bus gone")
	})
}

func TestStickyError(t *testing.T) {
	d, fake := newTestDevice(t, testutils.VersionSX1276)
	test.That(t, d.Init(868100000), test.ShouldBeNil)

	fake.Fail(errors.New("first"))
	d.WriteRegister(RegIRQFlags, IRQAll)
	fake.Fail(errors.New("second"))
	d.ReadRegister(RegIRQFlags)
	test.That(t, d.Err().Error(), test.ShouldContainSubstring, "first")

	// a fresh Init clears the recorded error once the bus is healthy
	fake.Fail(nil)
	test.That(t, d.Init(868100000), test.ShouldBeNil)
	test.That(t, d.Err(), test.ShouldBeNil)
}

func TestSetFrequency(t *testing.T) {
	d, fake := newTestDevice(t, testutils.VersionSX1276)
	d.SetFrequency(868100000)
	// 868.1 MHz / 61.035 Hz = 0xD90666
	test.That(t, fake.Register(RegFrfMsb), test.ShouldEqual, 0xD9)
	test.That(t, fake.Register(RegFrfMid), test.ShouldEqual, 0x06)
	test.That(t, fake.Register(RegFrfLsb), test.ShouldEqual, 0x66)

	d.SetFrequency(915000000)
	test.That(t, fake.Register(RegFrfMsb), test.ShouldEqual, 0xE4)
	test.That(t, fake.Register(RegFrfMid), test.ShouldEqual, 0xC0)
	test.That(t, fake.Register(RegFrfLsb), test.ShouldEqual, 0x00)
}

func TestSetRate(t *testing.T) {
	d, fake := newTestDevice(t, testutils.VersionSX1276)
	test.That(t, d.Init(868100000), test.ShouldBeNil)

	d.SetRate(SF9, true)
	test.That(t, fake.Register(RegModemConfig1), test.ShouldEqual, 0x72)
	test.That(t, fake.Register(RegModemConfig2), test.ShouldEqual, 0x94)
	test.That(t, fake.Register(RegModemConfig3), test.ShouldEqual, 0x04)
	test.That(t, fake.Register(RegSymbTimeoutLsb), test.ShouldEqual, 0x08)

	d.SetRate(SF12, false)
	test.That(t, fake.Register(RegModemConfig2), test.ShouldEqual, 0xC0)
	test.That(t, fake.Register(RegModemConfig3), test.ShouldEqual, 0x0C)
	test.That(t, fake.Register(RegSymbTimeoutLsb), test.ShouldEqual, 0x05)

	// the spreading factor reads back from the top nibble
	test.That(t, SpreadingFactor(fake.Register(RegModemConfig2)>>4), test.ShouldEqual, SF12)
}

func TestSpreadingFactor(t *testing.T) {
	test.That(t, SF7.Valid(), test.ShouldBeTrue)
	test.That(t, SF12.Valid(), test.ShouldBeTrue)
	test.That(t, SpreadingFactor(6).Valid(), test.ShouldBeFalse)
	test.That(t, SpreadingFactor(13).Valid(), test.ShouldBeFalse)
	test.That(t, SF10.String(), test.ShouldEqual, "SF10")
}

func TestStartTransmit(t *testing.T) {
	d, fake := newTestDevice(t, testutils.VersionSX1276)
	test.That(t, d.Init(869525000), test.ShouldBeNil)
	fake.Reset()

	payload := []byte{0x60, 0x01, 0x02, 0x03, 0x04}
	d.StartTransmit(TxRequest{
		Payload:         payload,
		SpreadingFactor: SF9,
		PowerDBm:        14,
		Frequency:       869525000,
		CRC:             false,
		InvertIQ:        true,
	})
	test.That(t, fake.TxFIFO(), test.ShouldResemble, payload)
	test.That(t, fake.Register(RegPayloadLength), test.ShouldEqual, len(payload))
	test.That(t, fake.Register(RegInvertIQ), test.ShouldEqual, 0x67)
	test.That(t, fake.Register(RegInvertIQ2), test.ShouldEqual, 0x19)
	test.That(t, fake.Register(RegDioMapping1), test.ShouldEqual, MapDIO0TxDone|MapDIO1Nop|MapDIO2Nop|MapDIO3Nop)
	test.That(t, fake.Register(RegIRQFlagsMask), test.ShouldEqual, ^IRQTxDone)
	test.That(t, fake.Register(RegPaConfig), test.ShouldEqual, 0xFC)
	test.That(t, fake.Register(RegOpMode), test.ShouldEqual, OpModeLoRa|OpModeTx)

	t.Run("oversized payload is truncated", func(t *testing.T) {
		fake.Reset()
		d.StartTransmit(TxRequest{Payload: make([]byte, 300), SpreadingFactor: SF7, Frequency: 869525000})
		test.That(t, len(fake.TxFIFO()), test.ShouldEqual, 255)
		test.That(t, fake.Register(RegPayloadLength), test.ShouldEqual, 255)
	})
}

func TestStartContinuousReceive(t *testing.T) {
	d, fake := newTestDevice(t, testutils.VersionSX1276)
	test.That(t, d.Init(868100000), test.ShouldBeNil)
	fake.SetRegister(RegInvertIQ, 0x67)

	d.StartContinuousReceive()
	test.That(t, fake.Register(RegInvertIQ), test.ShouldEqual, 0x27)
	test.That(t, fake.Register(RegDioMapping1), test.ShouldEqual, MapDIO0RxDone|MapDIO1RxTimeout|MapDIO2Nop|MapDIO3CRC)
	test.That(t, fake.Register(RegIRQFlagsMask), test.ShouldEqual, ^(IRQRxDone|IRQRxTimeout|IRQHeaderValid|IRQCRCError))
	test.That(t, fake.Register(RegOpMode), test.ShouldEqual, OpModeLoRa|OpModeRx)
	test.That(t, d.OpMode(), test.ShouldEqual, OpModeRx)
}

func TestStartSingleReceive(t *testing.T) {
	d, fake := newTestDevice(t, testutils.VersionSX1276)
	test.That(t, d.Init(868100000), test.ShouldBeNil)
	d.StartTransmit(TxRequest{Payload: []byte{0x01}, SpreadingFactor: SF9, Frequency: 869525000, InvertIQ: true})
	test.That(t, fake.Register(RegInvertIQ), test.ShouldEqual, 0x67)
	fake.SetRegister(RegFifoRxBaseAddr, 0x00)

	d.StartSingleReceive()
	test.That(t, fake.Register(RegInvertIQ), test.ShouldEqual, 0x27)
	test.That(t, fake.Register(RegInvertIQ2), test.ShouldEqual, 0x1D)
	test.That(t, d.OpMode(), test.ShouldEqual, OpModeRxSingle)
}

func TestSetInvertIQ(t *testing.T) {
	d, fake := newTestDevice(t, testutils.VersionSX1276)
	d.SetInvertIQ(true)
	test.That(t, fake.Register(RegInvertIQ), test.ShouldEqual, 0x67)
	test.That(t, fake.Register(RegInvertIQ2), test.ShouldEqual, 0x19)
	d.SetInvertIQ(false)
	test.That(t, fake.Register(RegInvertIQ), test.ShouldEqual, 0x27)
	test.That(t, fake.Register(RegInvertIQ2), test.ShouldEqual, 0x1D)
}

func TestReadPacket(t *testing.T) {
	d, fake := newTestDevice(t, testutils.VersionSX1276)
	test.That(t, d.Init(868100000), test.ShouldBeNil)

	fake.SetRxFIFO([]byte{0x40, 0xAA, 0xBB, 0xCC})
	fake.SetRegister(RegRxNbBytes, 4)
	fake.SetRegister(RegFifoRxCurrent, 0x10)

	buf := make([]byte, MaxPayload)
	n := d.ReadPacket(buf)
	test.That(t, n, test.ShouldEqual, 4)
	test.That(t, buf[:n], test.ShouldResemble, []byte{0x40, 0xAA, 0xBB, 0xCC})
	test.That(t, fake.Register(RegFifoAddrPtr), test.ShouldEqual, 0x10)

	t.Run("short buffer", func(t *testing.T) {
		small := make([]byte, 2)
		test.That(t, d.ReadPacket(small), test.ShouldEqual, 2)
		test.That(t, small, test.ShouldResemble, []byte{0x40, 0xAA})
	})

	t.Run("bus failure", func(t *testing.T) {
		fake.Fail(errors.New("bus gone"))
		test.That(t, d.ReadPacket(buf), test.ShouldEqual, -1)
	})
}
