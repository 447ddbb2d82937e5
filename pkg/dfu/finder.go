// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

import (
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/smpflash/pkg/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/pion/logging"
)

// Finder defaults
const (
	DefaultFindTimeout  = 10 * time.Second
	DefaultFindInterval = 500 * time.Millisecond
)

// Device is a device seen by a Scanner
type Device struct {
	// Name is what the device advertises
	Name string
	// Address opens the device: a serial port path or a URL
	Address string
}

// Scanner lists the devices currently reachable
type Scanner interface {
	Scan(ctx context.Context) ([]Device, error)
}

// ScannerFunc adapts a function to Scanner
type ScannerFunc func(ctx context.Context) ([]Device, error)

// Scan implements Scanner
func (f ScannerFunc) Scan(ctx context.Context) ([]Device, error) {
	return f(ctx)
}

// Dialer opens a link to a device returned by a Finder
type Dialer func(ctx context.Context, device Device) (transport.Link, error)

// Finder polls a Scanner for a device by name
type Finder struct {
	Scanner  Scanner
	Timeout  time.Duration
	Interval time.Duration

	LoggerFactory logging.LoggerFactory
}

// Find polls until a device named name shows up. It fails with
// ErrDeviceNotFound once Timeout elapses.
func (f *Finder) Find(ctx context.Context, name string) (Device, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFindTimeout
	}
	interval := f.Interval
	if interval <= 0 {
		interval = DefaultFindInterval
	}
	log := transport.ScopedLogger(f.LoggerFactory, "finder")

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Infof("searching for %s", name)
	scans := 0
	device, err := backoff.RetryWithData(func() (Device, error) {
		scans++
		devices, err := f.Scanner.Scan(ctx)
		if err != nil {
			log.Debugf("scan failed: %v", err)
			return Device{}, err
		}
		for _, d := range devices {
			if d.Name == name {
				return d, nil
			}
		}
		return Device{}, fmt.Errorf("%s not among %d devices", name, len(devices))
	}, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	if err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return Device{}, ctx.Err()
		}
		return Device{}, fmt.Errorf("%w: %s after %d scans: %w", ErrDeviceNotFound, name, scans, err)
	}

	log.Infof("found %s at %s", device.Name, device.Address)
	return device, nil
}
