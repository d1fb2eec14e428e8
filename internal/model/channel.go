package model

import (
	"fmt"
	"regexp"
	"strings"
)

const channelPrefix = "screen"

var channelSegment = regexp.MustCompile(`^[a-z0-9-]+$`)

// ChannelID builds "screen:<orgId>:<lineId>". Segments must be lowercase
// alphanumerics or hyphens; anything else is rejected rather than normalized.
func ChannelID(orgID, lineID string) (string, error) {
	if !channelSegment.MatchString(orgID) {
		return "", fmt.Errorf("invalid orgId %q: lowercase letters, digits and hyphens only", orgID)
	}
	if !channelSegment.MatchString(lineID) {
		return "", fmt.Errorf("invalid lineId %q: lowercase letters, digits and hyphens only", lineID)
	}
	return channelPrefix + ":" + orgID + ":" + lineID, nil
}

// ParseChannelID splits a channel id back into org and line.
func ParseChannelID(channelID string) (orgID, lineID string, err error) {
	parts := strings.Split(channelID, ":")
	if len(parts) != 3 || parts[0] != channelPrefix {
		return "", "", fmt.Errorf("invalid channelId %q: expected screen:<orgId>:<lineId>", channelID)
	}
	if _, err := ChannelID(parts[1], parts[2]); err != nil {
		return "", "", err
	}
	return parts[1], parts[2], nil
}

// IsValidSegment reports whether s may be used as an orgId or lineId.
func IsValidSegment(s string) bool {
	return channelSegment.MatchString(s)
}

func IsValidChannelID(channelID string) bool {
	_, _, err := ParseChannelID(channelID)
	return err == nil
}

// DisplayScope is the token scope that grants display access to a channel.
func DisplayScope(channelID string) string {
	return "display:" + channelID
}
