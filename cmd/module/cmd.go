// package main is a module for the single channel lorawan gateway
package main

import (
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/sx127x-gateway/gateway"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: sensor.API, Model: gateway.Model},
	)
}
