//go:build windows

package services

import (
	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/internal/providers/win"
	"github.com/hostcap/hostcap/platform"
)

// nativeProviders builds the provider set for host on Windows builds.
func nativeProviders(host platform.OS, log *logging.Logger) (providerSet, error) {
	if host != platform.Windows {
		return providerSet{}, platform.Errorf(platform.KindInvalidValue, "initialize",
			"no %s providers in this binary", host)
	}
	p, err := win.New(log)
	if err != nil {
		return providerSet{}, err
	}
	return providerSet{memory: p, ipc: p, network: p, syncp: p}, nil
}
