package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// BroadcastNodeNum is the link-layer address that reaches every node on a channel.
const BroadcastNodeNum = ^uint32(0)

// BroadcastNodeID is the canonical text form of BroadcastNodeNum.
const BroadcastNodeID = "!ffffffff"

// NormalizeNodeID trims and rejects placeholder/unknown node ids.
func NormalizeNodeID(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" || v == "unknown" || v == BroadcastNodeID {
		return ""
	}

	return v
}

// FormatNodeNum renders a link-layer node number as "!1234abcd".
func FormatNodeNum(num uint32) string {
	if num == 0 {
		return ""
	}

	return fmt.Sprintf("!%08x", num)
}

// ParseNodeNum accepts "!1234abcd", "0x1234abcd", bare hex and decimal node numbers.
func ParseNodeNum(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("node id is empty")
	}
	var (
		v   uint64
		err error
	)
	switch {
	case strings.HasPrefix(raw, "!"):
		v, err = strconv.ParseUint(strings.TrimPrefix(raw, "!"), 16, 32)
	case strings.HasPrefix(strings.ToLower(raw), "0x"):
		v, err = strconv.ParseUint(raw, 0, 32)
	case strings.IndexFunc(raw, func(r rune) bool {
		return (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
	}) >= 0:
		v, err = strconv.ParseUint(raw, 16, 32)
	default:
		v, err = strconv.ParseUint(raw, 10, 32)
	}
	if err != nil {
		return 0, fmt.Errorf("parse node id %q: %w", raw, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("node id %q is zero", raw)
	}

	return uint32(v), nil
}

// CanonicalNodeID converts any accepted node id spelling to "!1234abcd".
// Broadcast and placeholder ids resolve to "".
func CanonicalNodeID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if NormalizeNodeID(raw) == "" {
		return "", nil
	}
	num, err := ParseNodeNum(raw)
	if err != nil {
		return "", err
	}
	if num == BroadcastNodeNum {
		return "", nil
	}

	return FormatNodeNum(num), nil
}
