// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smp

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")
	h := p.header

	result := fmt.Sprintf("[%s] %s %s/%s seq=%d len=%d\n", timestamp, FormatOp(h.Op),
		FormatGroup(h.Group), FormatCommand(h.Group, h.Command), h.Sequence, h.Length)

	if err := p.ParseError(); err != nil {
		return result + fmt.Sprintf("  (undecodable payload: %v)\n", err)
	}
	result += FormatPayloadMap(h.Group, h.Command, p.PayloadMap())
	return result
}

// FormatOp returns the name of an SMP operation
func FormatOp(op uint8) string {
	switch op {
	case OpRead:
		return "READ"
	case OpReadResponse:
		return "READ_RSP"
	case OpWrite:
		return "WRITE"
	case OpWriteResponse:
		return "WRITE_RSP"
	default:
		return fmt.Sprintf("OP_%d", op)
	}
}

// FormatGroup returns the name of a command group
func FormatGroup(group uint16) string {
	switch group {
	case GroupOS:
		return "OS"
	case GroupImage:
		return "IMAGE"
	case GroupStats:
		return "STATS"
	case GroupSettings:
		return "SETTINGS"
	case GroupLog:
		return "LOG"
	case GroupCrash:
		return "CRASH"
	case GroupRun:
		return "RUN"
	case GroupFS:
		return "FS"
	case GroupShell:
		return "SHELL"
	case GroupBasic:
		return "BASIC"
	case GroupSUIT:
		return "SUIT"
	default:
		return fmt.Sprintf("GROUP_%d", group)
	}
}

// FormatCommand returns the name of a command within its group
func FormatCommand(group uint16, cmd uint8) string {
	switch group {
	case GroupOS:
		switch cmd {
		case CmdOSEcho:
			return "ECHO"
		case CmdOSConsoleEcho:
			return "CONSOLE_ECHO"
		case CmdOSTaskStats:
			return "TASK_STATS"
		case CmdOSMemoryPool:
			return "MEMORY_POOL"
		case CmdOSDateTime:
			return "DATETIME"
		case CmdOSReset:
			return "RESET"
		case CmdOSParams:
			return "MCUMGR_PARAMS"
		case CmdOSApplicationInfo:
			return "APP_INFO"
		case CmdOSBootloaderInfo:
			return "BOOTLOADER_INFO"
		}
	case GroupImage:
		switch cmd {
		case CmdImageState:
			return "STATE"
		case CmdImageUpload:
			return "UPLOAD"
		case CmdImageFile:
			return "FILE"
		case CmdImageCoreList:
			return "CORE_LIST"
		case CmdImageCoreLoad:
			return "CORE_LOAD"
		case CmdImageErase:
			return "ERASE"
		case CmdImageSlotInfo:
			return "SLOT_INFO"
		}
	case GroupSettings:
		switch cmd {
		case CmdSettingsReadWrite:
			return "READ_WRITE"
		case CmdSettingsDelete:
			return "DELETE"
		case CmdSettingsCommit:
			return "COMMIT"
		case CmdSettingsLoadSave:
			return "LOAD_SAVE"
		}
	case GroupBasic:
		if cmd == CmdBasicEraseStorage {
			return "ERASE_STORAGE"
		}
	case GroupSUIT:
		switch cmd {
		case CmdSUITManifestList:
			return "MANIFEST_LIST"
		case CmdSUITManifestState:
			return "MANIFEST_STATE"
		case CmdSUITEnvelopeUpload:
			return "ENVELOPE_UPLOAD"
		}
	}
	return fmt.Sprintf("CMD_%d", cmd)
}

// FormatPayloadMap formats the decoded payload based on group and command
func FormatPayloadMap(group uint16, cmd uint8, m map[string]interface{}) string {
	if len(m) == 0 {
		return "  (no payload)\n"
	}

	switch {
	case group == GroupImage && cmd == CmdImageState:
		if images, ok := m["images"].([]interface{}); ok {
			var sb strings.Builder
			for _, entry := range images {
				slot, ok := entry.(map[string]interface{})
				if !ok {
					continue
				}
				sb.WriteString(formatImageSlot(slot))
			}
			return sb.String()
		}

	case group == GroupImage && cmd == CmdImageUpload:
		// Upload payloads are dominated by "data"; show its size only
		off, _ := GetMapUint(m, "off")
		data, hasData := GetMapBytes(m, "data")
		if hasData {
			return fmt.Sprintf("  Offset: %d, Data: %d bytes\n", off, len(data))
		}
		return fmt.Sprintf("  Offset: %d\n", off)
	}

	return formatGeneric(m)
}

// formatImageSlot renders one entry of an image state response
func formatImageSlot(m map[string]interface{}) string {
	image, _ := GetMapUint(m, "image")
	slot, _ := GetMapUint(m, "slot")
	version, _ := GetMapString(m, "version")
	hash, _ := GetMapBytes(m, "hash")

	flags := []string{}
	for _, key := range []string{"bootable", "pending", "confirmed", "active", "permanent"} {
		if v, _ := GetMapBool(m, key); v {
			flags = append(flags, key)
		}
	}
	return fmt.Sprintf("  Image %d Slot %d: %s hash=%s [%s]\n", image, slot, version,
		FormatHash(hash), strings.Join(flags, " "))
}

// formatGeneric renders any payload map sorted by key
func formatGeneric(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		switch v := m[k].(type) {
		case []byte:
			if len(v) > 32 {
				fmt.Fprintf(&sb, "  %s: %d bytes\n", k, len(v))
			} else {
				fmt.Fprintf(&sb, "  %s: %s\n", k, hex.EncodeToString(v))
			}
		default:
			fmt.Fprintf(&sb, "  %s: %v\n", k, v)
		}
	}
	return sb.String()
}

// FormatHash returns a short hex form of an image hash
func FormatHash(hash []byte) string {
	if len(hash) == 0 {
		return "-"
	}
	s := hex.EncodeToString(hash)
	if len(s) > 16 {
		return s[:16] + "…"
	}
	return s
}

// FormatHex renders bytes as space-separated upper-case hex pairs
func FormatHex(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
