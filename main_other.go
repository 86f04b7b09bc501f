//go:build !linux

package main

import (
	"errors"

	"mrpool/internal/stress"
)

func openRing(path string) (stress.Target, func(), error) {
	return nil, nil, errors.New("--iouring needs linux")
}
