// Package regions defines the channel plans a single radio can scan.
package regions

import (
	"strings"

	"github.com/viam-modules/sx127x-gateway/sx127x"
)

const (
	rx2FrequencyUS = 923300000 // rx2 default freq for US
	rx2FrequencyEU = 869525000 // rx2 default freq for EU region

	rx1BaseUS = 923300000 // first US915 downlink channel
	rx1StepUS = 600000
)

// Region represents the frequency band region.
type Region int

const (
	// Unspecified represents an unspecified region.
	Unspecified Region = iota
	// US represents the US915 frequency band.
	US
	// EU represents the EU868 frequency band.
	EU
)

func (r Region) String() string {
	switch r {
	case US:
		return "US915"
	case EU:
		return "EU868"
	case Unspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// Plan is the set of uplink channels a region's devices transmit on plus the
// parameters of the receive windows.
type Plan struct {
	Region Region
	// Uplink channel frequencies in Hz, in hop order.
	Uplink []uint32
	// RX2Frequency and RX2SF are the default second receive window settings.
	RX2Frequency uint32
	RX2SF        sx127x.SpreadingFactor
}

// PlanUS is US915 sub-band 2, the eight 125 kHz channels from 903.9 MHz.
var PlanUS = Plan{
	Region: US,
	Uplink: []uint32{
		903900000, 904100000, 904300000, 904500000,
		904700000, 904900000, 905100000, 905300000,
	},
	// DR8 is SF12 at 500 kHz, a 125 kHz radio uses SF12 as the closest match
	RX2Frequency: rx2FrequencyUS,
	RX2SF:        sx127x.SF12,
}

// PlanEU is the three mandatory EU868 channels followed by the five channels the
// network usually adds.
var PlanEU = Plan{
	Region: EU,
	Uplink: []uint32{
		868100000, 868300000, 868500000,
		867100000, 867300000, 867500000, 867700000, 867900000,
	},
	// DR0 = SF12 BW 125K
	RX2Frequency: rx2FrequencyEU,
	RX2SF:        sx127x.SF12,
}

// GetRegion returns the region.
func GetRegion(region string) Region {
	region = strings.ToUpper(region)
	switch region {
	case "US", "US915", "915":
		return US
	case "EU", "EU868", "868":
		return EU
	default:
		return Unspecified
	}
}

// GetPlan returns the channel plan of a region and false for Unspecified.
func GetPlan(region Region) (Plan, bool) {
	switch region {
	case US:
		return PlanUS, true
	case EU:
		return PlanEU, true
	case Unspecified:
		return Plan{}, false
	default:
		return Plan{}, false
	}
}

// RX1Frequency returns the first receive window frequency answering an uplink on channel.
func (p Plan) RX1Frequency(channel int) uint32 {
	if len(p.Uplink) == 0 {
		return 0
	}
	channel %= len(p.Uplink)
	if p.Region == US {
		// uplink channel 8+n of sub-band 2 answers on downlink channel n
		return rx1BaseUS + uint32(channel%8)*rx1StepUS
	}
	return p.Uplink[channel]
}
