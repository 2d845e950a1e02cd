package parser

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robertkrimen/otto"
)

const codecTimeout = 10 * time.Millisecond

var errCodecType = errors.New("codec returned unexpected data type")

// DecodePayload runs the Decode(fPort, bytes) function of the JavaScript codec at
// path over data.
func DecodePayload(fPort uint8, path string, data []byte) (map[string]interface{}, error) {
	decoder, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading codec: %w", err)
	}
	return binaryToMap(fPort, string(decoder), data)
}

// binaryToMap follows the chirpstack codec convention.
func binaryToMap(fPort uint8, decodeScript string, b []byte) (map[string]interface{}, error) {
	decodeScript += "\n\nDecode(fPort, bytes);\n"

	vars := map[string]interface{}{
		"fPort": fPort,
		"bytes": b,
	}

	v, err := executeJS(decodeScript, vars)
	if err != nil {
		return nil, err
	}

	readings, ok := v.(map[string]interface{})
	if !ok {
		return nil, errCodecType
	}
	return readings, nil
}

func executeJS(script string, vars map[string]interface{}) (out interface{}, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			err = fmt.Errorf("%s", caught)
		}
	}()

	vm := otto.New()
	vm.Interrupt = make(chan func(), 1)
	vm.SetStackDepthLimit(32)

	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return nil, err
		}
	}

	timer := time.AfterFunc(codecTimeout, func() {
		vm.Interrupt <- func() {
			panic(errors.New("execution timeout"))
		}
	})
	defer timer.Stop()

	val, err := vm.Run(script)
	if err != nil {
		return nil, err
	}

	return val.Export()
}
