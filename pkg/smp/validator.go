// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smp

import "fmt"

// AnomalyType represents different types of response anomalies
type AnomalyType int

const (
	AnomalyLengthMismatch AnomalyType = iota
	AnomalySequenceMismatch
	AnomalyGroupMismatch
	AnomalyCommandMismatch
	AnomalyOpMismatch
	AnomalyDecodeError
	AnomalyCRCError
)

// ValidationError represents a response validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// expectedResponseOp maps a request operation to its response operation
func expectedResponseOp(op uint8) uint8 {
	if op == OpWrite {
		return OpWriteResponse
	}
	return OpReadResponse
}

// ValidateResponse checks a raw response against the request that produced it.
// Returns a slice of validation errors (empty if the response is valid)
func ValidateResponse(request Header, response []byte) []ValidationError {
	h, err := ParseHeader(response)
	if err != nil {
		return []ValidationError{{
			Type:    AnomalyLengthMismatch,
			Message: err.Error(),
			Details: map[string]interface{}{"length": len(response), "minimum": HeaderSize},
		}}
	}

	errors := []ValidationError{}

	if body := len(response) - HeaderSize; body != int(h.Length) {
		errors = append(errors, ValidationError{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("Payload length %d does not match header length %d", body, h.Length),
			Details: map[string]interface{}{"length": body, "expected": h.Length},
		})
	}

	if h.Sequence != request.Sequence {
		errors = append(errors, ValidationError{
			Type:    AnomalySequenceMismatch,
			Message: fmt.Sprintf("Sequence %d does not match request sequence %d", h.Sequence, request.Sequence),
			Details: map[string]interface{}{"seq": h.Sequence, "expected": request.Sequence},
		})
	}

	if want := expectedResponseOp(request.Op); h.Op != want {
		errors = append(errors, ValidationError{
			Type:    AnomalyOpMismatch,
			Message: fmt.Sprintf("Op %s does not answer %s", FormatOp(h.Op), FormatOp(request.Op)),
			Details: map[string]interface{}{"op": h.Op, "expected": want},
		})
	}

	if h.Group != request.Group {
		errors = append(errors, ValidationError{
			Type:    AnomalyGroupMismatch,
			Message: fmt.Sprintf("Group %s does not match request group %s", FormatGroup(h.Group), FormatGroup(request.Group)),
			Details: map[string]interface{}{"group": h.Group, "expected": request.Group},
		})
	}

	if h.Command != request.Command {
		errors = append(errors, ValidationError{
			Type:    AnomalyCommandMismatch,
			Message: fmt.Sprintf("Command %d does not match request command %d", h.Command, request.Command),
			Details: map[string]interface{}{"command": h.Command, "expected": request.Command},
		})
	}

	if h.Length > 0 && len(response) >= HeaderSize+int(h.Length) {
		if _, err := ParsePayload(response[HeaderSize : HeaderSize+int(h.Length)]); err != nil {
			errors = append(errors, ValidationError{
				Type:    AnomalyDecodeError,
				Message: fmt.Sprintf("Undecodable payload: %v", err),
				Details: map[string]interface{}{"error": err.Error()},
			})
		}
	}

	return errors
}
