//go:build js && wasm

package services

import (
	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/internal/providers/wasm"
	"github.com/hostcap/hostcap/platform"
)

// nativeProviders builds the provider set for host inside a
// browser-class WebAssembly runtime.
func nativeProviders(host platform.OS, log *logging.Logger) (providerSet, error) {
	if host != platform.Wasm {
		return providerSet{}, platform.Errorf(platform.KindInvalidValue, "initialize",
			"no %s providers in this binary", host)
	}
	p, err := wasm.New(log)
	if err != nil {
		return providerSet{}, err
	}
	return providerSet{memory: p, ipc: p, network: p, syncp: p}, nil
}
