//go:build unix

package services

import (
	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/internal/providers/posix"
	"github.com/hostcap/hostcap/platform"
)

// nativeProviders builds the provider set for host. Unix-family
// builds carry the POSIX providers; android and ios run them with
// their capability gaps applied.
func nativeProviders(host platform.OS, log *logging.Logger) (providerSet, error) {
	switch host {
	case platform.Linux, platform.Darwin, platform.Android, platform.IOS:
		p, err := posix.New(host, log)
		if err != nil {
			return providerSet{}, err
		}
		return providerSet{memory: p, ipc: p, network: p, syncp: p}, nil
	default:
		return providerSet{}, platform.Errorf(platform.KindInvalidValue, "initialize",
			"no %s providers in this binary", host)
	}
}
