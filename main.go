// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// smpflash - SMP/McuMgr device management and firmware upgrade tool

package main

import (
	"os"

	"github.com/Thermoquad/smpflash/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
