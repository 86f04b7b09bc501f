//go:build linux

package main

import (
	"mrpool/internal/iomgr"
	"mrpool/internal/stress"
)

func openRing(path string) (stress.Target, func(), error) {
	m, err := iomgr.CreateIoMgr(path, false)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}
