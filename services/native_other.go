//go:build !unix && !windows && !(js && wasm)

package services

import (
	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/platform"
)

// nativeProviders has no native set to offer on this build; detection
// reports Unknown here, so only an explicit override reaches this
// path.
func nativeProviders(host platform.OS, _ *logging.Logger) (providerSet, error) {
	return providerSet{}, platform.Errorf(platform.KindInvalidValue, "initialize",
		"no %s providers in this binary", host)
}
