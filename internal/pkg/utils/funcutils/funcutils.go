package funcutils

import (
	log "github.com/sirupsen/logrus"
)

// PanicOrLogOnErr does what its name suggests.
func PanicOrLogOnErr(f func() error, panicOnErr bool, msg string) {
	if err := f(); err != nil {
		if panicOnErr {
			log.WithError(err).Panic(msg)
		}
		log.WithError(err).Warn(msg)
	}
}

// IdentityFunc returns the input.
func IdentityFunc[T any](t T) func() T {
	return func() T {
		return t
	}
}
