// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/smpflash/pkg/dfu"
	"github.com/Thermoquad/smpflash/pkg/firmware"
	"github.com/Thermoquad/smpflash/pkg/smp"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	upgradeMode           string
	upgradeBootloaderMode string
	upgradeSwapTime       time.Duration
	upgradeEraseSettings  bool
	upgradePipeline       int
	upgradeAlignment      int
	upgradeConfigPath     string
	upgradeNoTUI          bool
	upgradeFindTimeout    time.Duration
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade FILE",
	Short: "Upload firmware and run the upgrade sequence",
	Long: `Upload a firmware image (.bin), DFU package (.zip) or SUIT envelope (.suit)
and drive the device through the upgrade.

Upgrade modes:
  confirm-only      upload, confirm, reset (default)
  test-only         upload, test, reset; the new image reverts unless confirmed
  test-and-confirm  upload, test, reset, reconnect, confirm the running image
  upload-only       upload and reset

Settings are read from --config (YAML) first; flags given on the command line
override them.

Keys (terminal UI):
  p  pause or resume the upload
  c  cancel the upload
  q  quit (cancels a running upgrade)

Exit codes:
  0 - Upgrade successful
  1 - Upgrade failed or cancelled
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runUpgrade,
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
	addUpgradeFlags(upgradeCmd)
}

func addUpgradeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&upgradeMode, "mode", "confirm-only", "Upgrade mode (confirm-only, test-only, test-and-confirm, upload-only)")
	cmd.Flags().StringVar(&upgradeBootloaderMode, "bootloader-mode", "unknown", "MCUboot mode to assume when the device cannot report it")
	cmd.Flags().DurationVar(&upgradeSwapTime, "swap-time", 0, "Estimated time the bootloader needs to swap images")
	cmd.Flags().BoolVar(&upgradeEraseSettings, "erase-settings", false, "Erase the application settings after the upload")
	cmd.Flags().IntVar(&upgradePipeline, "pipeline", 1, "Number of upload chunks in flight")
	cmd.Flags().IntVar(&upgradeAlignment, "alignment", 0, "Chunk byte alignment (0, 2, 4, 8 or 16)")
	cmd.Flags().StringVar(&upgradeConfigPath, "config", "", "YAML upgrade configuration file")
	cmd.Flags().BoolVar(&upgradeNoTUI, "no-tui", false, "Print plain progress lines instead of the terminal UI")
	cmd.Flags().DurationVar(&upgradeFindTimeout, "find-timeout", dfu.DefaultFindTimeout, "How long to search for the firmware loader after a reset into it")
}

// upgradeConfig merges the config file with the flags that were set
func upgradeConfig(cmd *cobra.Command) (dfu.Config, error) {
	config := dfu.DefaultConfig()
	if upgradeConfigPath != "" {
		var err error
		if config, err = dfu.LoadConfig(upgradeConfigPath); err != nil {
			return config, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("mode") {
		mode, err := dfu.ParseUpgradeMode(upgradeMode)
		if err != nil {
			return config, err
		}
		config.UpgradeMode = mode
	}
	if flags.Changed("bootloader-mode") {
		mode, err := dfu.ParseBootloaderMode(upgradeBootloaderMode)
		if err != nil {
			return config, err
		}
		config.BootloaderMode = mode
	}
	if flags.Changed("swap-time") {
		config.EstimatedSwapTime = upgradeSwapTime
	}
	if flags.Changed("erase-settings") {
		config.EraseAppSettings = upgradeEraseSettings
	}
	if flags.Changed("pipeline") {
		config.PipelineDepth = upgradePipeline
	}
	if flags.Changed("alignment") {
		config.ByteAlignment = upgradeAlignment
	}
	return config, config.Validate()
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	pkg, err := firmware.LoadPackage(args[0])
	if err != nil {
		return err
	}
	config, err := upgradeConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	session, connInfo := OpenSession(ctx)
	defer session.Close()

	managerConfig := dfu.ManagerConfig{
		Session:       session,
		LoggerFactory: loggerFactory,
	}
	if portName != "" {
		managerConfig.Finder = &dfu.Finder{
			Scanner:       dfu.ScannerFunc(serialScanner),
			Timeout:       upgradeFindTimeout,
			LoggerFactory: loggerFactory,
		}
		managerConfig.Dial = dialSerialDevice
	}

	useTUI := !upgradeNoTUI && term.IsTerminal(int(os.Stdout.Fd()))
	controls := &upgradeControls{}
	var program *tea.Program
	if useTUI {
		program = tea.NewProgram(newUpgradeModel(args[0], connInfo, pkg, config, controls))
		managerConfig.Observer = &programObserver{program: program}
	} else {
		printUpgradeHeader(cmd.OutOrStdout(), args[0], connInfo, pkg, config)
		managerConfig.Observer = &textObserver{out: cmd.OutOrStdout(), started: time.Now()}
	}

	manager := dfu.NewManager(managerConfig)
	controls.manager = manager

	if err := manager.StartPackage(ctx, pkg, config); err != nil {
		return err
	}

	if program != nil {
		if _, err := program.Run(); err != nil {
			cancel()
			<-manager.Done()
			return fmt.Errorf("TUI error: %w", err)
		}
		// Quitting the view early cancels the upgrade
		cancel()
	}

	result := <-manager.Done()
	return upgradeOutcome(cmd.OutOrStdout(), manager.RunID(), result)
}

// upgradeOutcome reports the result; a failed upgrade exits with status 1
func upgradeOutcome(out io.Writer, runID string, result dfu.Result) error {
	switch {
	case result.Err == nil:
		fmt.Fprintf(out, "Upgrade %s complete\n", runID)
		return nil
	case errors.Is(result.Err, dfu.ErrCancelled), errors.Is(result.Err, context.Canceled):
		fmt.Fprintf(out, "Upgrade %s cancelled in %s\n", runID, result.State)
	default:
		fmt.Fprintf(out, "Upgrade %s failed: %v\n", runID, result.Err)
	}
	os.Exit(1)
	return nil
}

func printUpgradeHeader(out io.Writer, file, connInfo string, pkg *firmware.Package, config dfu.Config) {
	fmt.Fprintf(out, "smpflash - Firmware Upgrade\n")
	fmt.Fprintf(out, "File: %s (%d bytes)\n", file, pkg.Size())
	fmt.Fprintf(out, "Connection: %s\n", connInfo)
	fmt.Fprintf(out, "Mode: %s\n", config.UpgradeMode)
	for _, img := range pkg.Images {
		fmt.Fprintf(out, "  image %d slot %d: %d bytes, version %s, hash %s\n",
			img.Image, img.Slot, len(img.Data), orDash(img.Version), smp.FormatHash(img.Hash))
	}
	fmt.Fprintln(out)
}

// textObserver prints one line per upgrade event
type textObserver struct {
	out      io.Writer
	started  time.Time
	lastStep int
}

func (o *textObserver) stamp() string {
	return fmt.Sprintf("[%6.1fs]", time.Since(o.started).Seconds())
}

func (o *textObserver) UpgradeDidStart() {
	fmt.Fprintf(o.out, "%s upgrade started\n", o.stamp())
}

func (o *textObserver) UpgradeStateDidChange(from, to dfu.State) {
	fmt.Fprintf(o.out, "%s %s -> %s\n", o.stamp(), from, to)
}

func (o *textObserver) UpgradeDidComplete() {
	fmt.Fprintf(o.out, "%s upgrade complete\n", o.stamp())
}

func (o *textObserver) UpgradeDidFail(state dfu.State, err error) {
	fmt.Fprintf(o.out, "%s failed in %s: %v\n", o.stamp(), state, err)
}

func (o *textObserver) UpgradeDidCancel(state dfu.State) {
	fmt.Fprintf(o.out, "%s cancelled in %s\n", o.stamp(), state)
}

// UploadProgressDidChange prints every tenth percent
func (o *textObserver) UploadProgressDidChange(bytesSent, imageSize int, timestamp time.Time) {
	if imageSize <= 0 {
		return
	}
	step := bytesSent * 10 / imageSize
	if step == o.lastStep && bytesSent != imageSize {
		return
	}
	o.lastStep = step
	fmt.Fprintf(o.out, "%s upload %3d%% (%d/%d bytes)\n", o.stamp(), bytesSent*100/imageSize, bytesSent, imageSize)
}

// programObserver forwards upgrade events to the terminal UI
type programObserver struct {
	program *tea.Program
}

func (o *programObserver) UpgradeDidStart() {
	o.program.Send(upgradeStartedMsg{at: time.Now()})
}

func (o *programObserver) UpgradeStateDidChange(from, to dfu.State) {
	o.program.Send(stateChangedMsg{from: from, to: to, at: time.Now()})
}

func (o *programObserver) UpgradeDidComplete() {
	o.program.Send(upgradeFinishedMsg{state: dfu.StateSuccess})
}

func (o *programObserver) UpgradeDidFail(state dfu.State, err error) {
	o.program.Send(upgradeFinishedMsg{state: state, err: err})
}

func (o *programObserver) UpgradeDidCancel(state dfu.State) {
	o.program.Send(upgradeFinishedMsg{state: state, err: dfu.ErrCancelled})
}

func (o *programObserver) UploadProgressDidChange(bytesSent, imageSize int, timestamp time.Time) {
	o.program.Send(progressMsg{sent: bytesSent, size: imageSize, at: timestamp})
}
