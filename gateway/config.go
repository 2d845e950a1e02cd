package gateway

import (
	"errors"
	"fmt"
	"time"

	"go.viam.com/rdk/resource"

	"github.com/viam-modules/sx127x-gateway/fsm"
	"github.com/viam-modules/sx127x-gateway/regions"
	"github.com/viam-modules/sx127x-gateway/sx127x"
)

const (
	defaultDIO0Pin = "GPIO4"
	defaultDIO1Pin = "GPIO5"
	defaultTxPower = 14
	maxTxPower     = 20
	minTxPower     = 2
)

// Error variables for validation
var (
	errInvalidSpiBus          = errors.New("spi bus can be 0 or 1 - default 0")
	errInvalidRegion          = errors.New("unrecognized region code, valid options are US915 and EU868")
	errInvalidChannel         = errors.New("channel must not be negative")
	errInvalidSpreadingFactor = errors.New("spreading factor must be between 7 and 12")
	errInvalidTxPower         = fmt.Errorf("tx power must be between %d and %d dBm", minTxPower, maxTxPower)
	errNegativeDuration       = errors.New("wait times must not be negative")
)

// Config describes the configuration of the gateway.
type Config struct {
	BoardName string `json:"board"`
	ResetPin  *int   `json:"reset_pin"`
	Bus       int    `json:"spi_bus,omitempty"`
	DIO0Pin   string `json:"dio0_pin,omitempty"`
	DIO1Pin   string `json:"dio1_pin,omitempty"`

	Region          string `json:"region_code,omitempty"`
	Channel         int    `json:"channel,omitempty"`
	SpreadingFactor int    `json:"spreading_factor,omitempty"`
	CAD             *bool  `json:"cad,omitempty"`
	Hop             bool   `json:"hop,omitempty"`
	CRCCheck        *bool  `json:"crc_check,omitempty"`
	RSSILimit       int    `json:"rssi_limit,omitempty"`

	EventWaitMs    float64 `json:"event_wait_ms,omitempty"`
	DoneWaitMs     float64 `json:"done_wait_ms,omitempty"`
	PollIntervalMs float64 `json:"poll_interval_ms,omitempty"`

	TxPower *int `json:"tx_power,omitempty"`

	NATSURL     string `json:"nats_url,omitempty"`
	NATSSubject string `json:"nats_subject,omitempty"`
	DecoderPath string `json:"decoder_path,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, error) {
	var deps []string
	if conf.ResetPin == nil {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "reset_pin")
	}
	if conf.Bus != 0 && conf.Bus != 1 {
		return nil, resource.NewConfigValidationError(path, errInvalidSpiBus)
	}
	if len(conf.BoardName) == 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if conf.Region != "" && regions.GetRegion(conf.Region) == regions.Unspecified {
		return nil, resource.NewConfigValidationError(path, errInvalidRegion)
	}
	if conf.Channel < 0 {
		return nil, resource.NewConfigValidationError(path, errInvalidChannel)
	}
	if conf.SpreadingFactor != 0 && !sx127x.SpreadingFactor(conf.SpreadingFactor).Valid() {
		return nil, resource.NewConfigValidationError(path, errInvalidSpreadingFactor)
	}
	if conf.TxPower != nil && (*conf.TxPower < minTxPower || *conf.TxPower > maxTxPower) {
		return nil, resource.NewConfigValidationError(path, errInvalidTxPower)
	}
	if conf.EventWaitMs < 0 || conf.DoneWaitMs < 0 || conf.PollIntervalMs < 0 {
		return nil, resource.NewConfigValidationError(path, errNegativeDuration)
	}
	deps = append(deps, conf.BoardName)

	return deps, nil
}

// settings are the config values with defaults applied.
type settings struct {
	plan         regions.Plan
	machine      fsm.Config
	spiPath      string
	dio          []string
	pollInterval time.Duration
	alwaysPoll   bool
	txPower      int
	natsSubject  string
}

func (conf *Config) settings(name string) settings {
	region := regions.GetRegion(conf.Region)
	if region == regions.Unspecified {
		region = regions.US
	}
	plan, _ := regions.GetPlan(region)

	cad := conf.CAD == nil || *conf.CAD
	crc := conf.CRCCheck == nil || *conf.CRCCheck
	sf := sx127x.SpreadingFactor(conf.SpreadingFactor)
	if !sf.Valid() {
		sf = sx127x.SF7
	}

	s := settings{
		plan: plan,
		machine: fsm.Config{
			Radio: fsm.RadioContext{
				SF:      sf,
				Hop:     conf.Hop,
				CAD:     cad,
				Channel: conf.Channel % len(plan.Uplink),
			},
			Plan:      plan.Uplink,
			CRCCheck:  crc,
			RSSILimit: conf.RSSILimit,
			EventWait: msToDuration(conf.EventWaitMs),
			DoneWait:  msToDuration(conf.DoneWaitMs),
		},
		spiPath:      fmt.Sprintf("/dev/spidev0.%d", conf.Bus),
		dio:          []string{conf.DIO0Pin, conf.DIO1Pin},
		pollInterval: msToDuration(conf.PollIntervalMs),
		txPower:      defaultTxPower,
		natsSubject:  conf.NATSSubject,
	}
	if s.dio[0] == "" {
		s.dio[0] = defaultDIO0Pin
	}
	if s.dio[1] == "" {
		s.dio[1] = defaultDIO1Pin
	}
	if conf.TxPower != nil {
		s.txPower = *conf.TxPower
	}
	if s.natsSubject == "" {
		s.natsSubject = "gateway." + name
	}
	return s
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
