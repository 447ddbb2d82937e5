// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCRCMismatch is wrapped by the serial decoder when a frame checksum fails
var ErrCRCMismatch = errors.New("CRC mismatch")

// Statistics tracks packet statistics and error rates of a monitored link
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets       uint64
	ValidPackets       uint64
	CRCErrors          uint64
	DecodeErrors       uint64
	MalformedPackets   uint64
	LengthMismatches   uint64
	SequenceMismatches uint64
	HeaderMismatches   uint64
	ErrorResponses     uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a packet and its errors
func (s *Statistics) Update(packet *Packet, decodeErr error, validationErrors []ValidationError) {
	s.TotalPackets++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrCRCMismatch) {
			s.CRCErrors++
		} else {
			s.DecodeErrors++
		}
		return
	}

	if len(validationErrors) > 0 {
		s.MalformedPackets++
		for _, err := range validationErrors {
			switch err.Type {
			case AnomalyLengthMismatch:
				s.LengthMismatches++
			case AnomalySequenceMismatch:
				s.SequenceMismatches++
			case AnomalyGroupMismatch, AnomalyCommandMismatch, AnomalyOpMismatch:
				s.HeaderMismatches++
			case AnomalyDecodeError:
				s.DecodeErrors++
			case AnomalyCRCError:
				s.CRCErrors++
			}
		}
		return
	}

	s.ValidPackets++
	if packet != nil && packet.Header().IsResponse() {
		if rc, ok := GetMapInt(packet.PayloadMap(), "rc"); ok && rc != 0 {
			s.ErrorResponses++
		}
	}
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		errorCount := s.CRCErrors + s.DecodeErrors + s.MalformedPackets
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100.0 / float64(total)
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()
	elapsed := time.Since(s.StartTime)

	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	fmt.Fprintf(&sb, "Total Packets:   %8d\n", s.TotalPackets)
	fmt.Fprintf(&sb, "Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, percent(s.ValidPackets, s.TotalPackets))

	if s.CRCErrors > 0 {
		fmt.Fprintf(&sb, "CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, percent(s.CRCErrors, s.TotalPackets))
	}
	if s.DecodeErrors > 0 {
		fmt.Fprintf(&sb, "Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors, s.TotalPackets))
	}
	if s.MalformedPackets > 0 {
		fmt.Fprintf(&sb, "Malformed Pkts:  %8d (%.1f%%)\n", s.MalformedPackets, percent(s.MalformedPackets, s.TotalPackets))
		if s.LengthMismatches > 0 {
			fmt.Fprintf(&sb, "  Length Mismatch:  %5d\n", s.LengthMismatches)
		}
		if s.SequenceMismatches > 0 {
			fmt.Fprintf(&sb, "  Seq Mismatch:     %5d\n", s.SequenceMismatches)
		}
		if s.HeaderMismatches > 0 {
			fmt.Fprintf(&sb, "  Header Mismatch:  %5d\n", s.HeaderMismatches)
		}
	}
	if s.ErrorResponses > 0 {
		fmt.Fprintf(&sb, "Error Responses: %8d\n", s.ErrorResponses)
	}

	fmt.Fprintf(&sb, "Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	fmt.Fprintf(&sb, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	sb.WriteString("================================\n")
	return sb.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
