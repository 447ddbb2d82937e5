// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import "github.com/Thermoquad/smpflash/pkg/smp"

// packetAssembler joins MTU chunks back into whole SMP packets for links
// that frame complete packets
type packetAssembler struct {
	pending []byte
}

// add appends chunk and returns every packet it completes
func (a *packetAssembler) add(chunk []byte) [][]byte {
	a.pending = append(a.pending, chunk...)

	var packets [][]byte
	for {
		total, ok := smp.ExpectedLength(a.pending)
		if !ok || len(a.pending) < total {
			return packets
		}
		packet := make([]byte, total)
		copy(packet, a.pending[:total])
		packets = append(packets, packet)
		a.pending = a.pending[total:]
	}
}

func (a *packetAssembler) reset() {
	a.pending = nil
}
