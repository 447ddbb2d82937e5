// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dfu

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Thermoquad/smpflash/pkg/smp"
	"gopkg.in/yaml.v3"
)

// UpgradeMode selects the steps run after the upload
type UpgradeMode int

const (
	// ModeConfirmOnly confirms the new images, then resets
	ModeConfirmOnly UpgradeMode = iota
	// ModeTestAndConfirm tests the new images, resets, and confirms them
	// once they booted
	ModeTestAndConfirm
	// ModeTestOnly tests the new images and resets; the device reverts
	// unless the firmware confirms itself
	ModeTestOnly
	// ModeUploadOnly resets after the upload without test or confirm
	ModeUploadOnly
)

var upgradeModeNames = map[UpgradeMode]string{
	ModeConfirmOnly:    "confirm-only",
	ModeTestAndConfirm: "test-and-confirm",
	ModeTestOnly:       "test-only",
	ModeUploadOnly:     "upload-only",
}

func (m UpgradeMode) String() string {
	if name, ok := upgradeModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode %d", int(m))
}

// ParseUpgradeMode parses names like "test-and-confirm"
func ParseUpgradeMode(name string) (UpgradeMode, error) {
	for mode, n := range upgradeModeNames {
		if strings.EqualFold(n, name) {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("dfu: unknown upgrade mode %q", name)
}

var bootloaderModeNames = map[string]smp.BootloaderMode{
	"unknown":           smp.BootloaderModeUnknown,
	"single":            smp.BootloaderModeSingleApplication,
	"swap-scratch":      smp.BootloaderModeSwapUsingScratch,
	"overwrite":         smp.BootloaderModeOverwrite,
	"swap-no-scratch":   smp.BootloaderModeSwapNoScratch,
	"direct-xip":        smp.BootloaderModeDirectXIPNoRevert,
	"direct-xip-revert": smp.BootloaderModeDirectXIPWithRevert,
	"ram-loader":        smp.BootloaderModeRAMLoader,
	"firmware-loader":   smp.BootloaderModeFirmwareLoader,
}

// ParseBootloaderMode parses names like "swap-scratch" or "firmware-loader"
func ParseBootloaderMode(name string) (smp.BootloaderMode, error) {
	if mode, ok := bootloaderModeNames[strings.ToLower(name)]; ok {
		return mode, nil
	}
	return smp.BootloaderModeUnknown, fmt.Errorf("dfu: unknown bootloader mode %q", name)
}

// Config tunes an upgrade. The upgrade works on its own copy; values the
// device overrides (reassembly buffer size, upgrade mode) never change the
// caller's Config.
type Config struct {
	// EstimatedSwapTime is how long the bootloader needs to swap images
	// after a reset. Reconnecting waits for what remains of it. Ignored
	// for DirectXIP. Default: 0
	EstimatedSwapTime time.Duration

	// EraseAppSettings erases the application settings partition after the
	// upload. Default: false
	EraseAppSettings bool

	// PipelineDepth is the number of upload chunks in flight. Default: 1
	PipelineDepth int

	// ByteAlignment aligns chunk lengths: 0 (disabled), 2, 4, 8 or 16
	ByteAlignment int

	// ReassemblyBufferSize lets upload packets exceed the MTU. Replaced by
	// the device's buffer size when it reports one. Capped at 65535.
	ReassemblyBufferSize int

	// UpgradeMode selects the steps after the upload. Default: confirm only
	UpgradeMode UpgradeMode

	// BootloaderMode is used when the device cannot report its mode.
	// Default: unknown
	BootloaderMode smp.BootloaderMode

	// ReconnectTimeout bounds reconnecting after a reset. Default: 60s
	ReconnectTimeout time.Duration
}

// DefaultReconnectTimeout bounds reconnect attempts after a reset
const DefaultReconnectTimeout = 60 * time.Second

// DefaultConfig returns the default upgrade configuration.
func DefaultConfig() Config {
	return Config{
		PipelineDepth:    1,
		UpgradeMode:      ModeConfirmOnly,
		BootloaderMode:   smp.BootloaderModeUnknown,
		ReconnectTimeout: DefaultReconnectTimeout,
	}
}

// normalize fills defaults and clamps limits
func (c Config) normalize() Config {
	if c.PipelineDepth < 1 {
		c.PipelineDepth = 1
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = DefaultReconnectTimeout
	}
	c.ReassemblyBufferSize = max(0, min(c.ReassemblyBufferSize, smp.MaxReassemblyBufferSize))
	return c
}

// Validate checks values a caller may get wrong
func (c Config) Validate() error {
	switch c.ByteAlignment {
	case 0, 1, 2, 4, 8, 16:
	default:
		return fmt.Errorf("dfu: byte alignment %d not one of 2, 4, 8, 16", c.ByteAlignment)
	}
	if c.PipelineDepth < 0 {
		return fmt.Errorf("dfu: negative pipeline depth %d", c.PipelineDepth)
	}
	if c.EstimatedSwapTime < 0 {
		return fmt.Errorf("dfu: negative swap time %s", c.EstimatedSwapTime)
	}
	if _, ok := upgradeModeNames[c.UpgradeMode]; !ok {
		return fmt.Errorf("dfu: invalid upgrade mode %d", int(c.UpgradeMode))
	}
	return nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// fileConfig is the YAML form of Config
type fileConfig struct {
	UpgradeMode          string   `yaml:"upgrade_mode,omitempty"`
	BootloaderMode       string   `yaml:"bootloader_mode,omitempty"`
	EstimatedSwapTime    Duration `yaml:"estimated_swap_time,omitempty"`
	EraseAppSettings     *bool    `yaml:"erase_app_settings,omitempty"`
	PipelineDepth        int      `yaml:"pipeline_depth,omitempty"`
	ByteAlignment        int      `yaml:"byte_alignment,omitempty"`
	ReassemblyBufferSize int      `yaml:"reassembly_buffer_size,omitempty"`
	ReconnectTimeout     Duration `yaml:"reconnect_timeout,omitempty"`
}

// ParseConfig reads a YAML upgrade configuration. Missing keys keep their
// DefaultConfig values.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("dfu: parsing config: %w", err)
	}

	c := DefaultConfig()
	if fc.UpgradeMode != "" {
		mode, err := ParseUpgradeMode(fc.UpgradeMode)
		if err != nil {
			return Config{}, err
		}
		c.UpgradeMode = mode
	}
	if fc.BootloaderMode != "" {
		mode, err := ParseBootloaderMode(fc.BootloaderMode)
		if err != nil {
			return Config{}, err
		}
		c.BootloaderMode = mode
	}
	if fc.EstimatedSwapTime.Duration > 0 {
		c.EstimatedSwapTime = fc.EstimatedSwapTime.Duration
	}
	if fc.EraseAppSettings != nil {
		c.EraseAppSettings = *fc.EraseAppSettings
	}
	if fc.PipelineDepth != 0 {
		c.PipelineDepth = fc.PipelineDepth
	}
	if fc.ReconnectTimeout.Duration > 0 {
		c.ReconnectTimeout = fc.ReconnectTimeout.Duration
	}
	c.ByteAlignment = fc.ByteAlignment
	c.ReassemblyBufferSize = fc.ReassemblyBufferSize

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c.normalize(), nil
}

// LoadConfig reads a YAML upgrade configuration file
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("dfu: reading config: %w", err)
	}
	return ParseConfig(data)
}
