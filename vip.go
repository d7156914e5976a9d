package gridcredit

import (
	"fmt"
	"strconv"
	"strings"
)

// VIPMatch names the identifier a VIP entry matched on.
type VIPMatch string

const (
	VIPByDevice VIPMatch = "deviceId"
	VIPByIP     VIPMatch = "ip"
	VIPByUser   VIPMatch = "userId"
)

// VIPList overrides the default daily free limit for specific identifiers.
// The zero value is an empty list.
type VIPList struct {
	limits map[string]int
}

// ParseVIPList parses entries of the form "identifier:quota" separated by
// commas, semicolons, newlines or full-width commas. Text after '#' is a
// comment. The last ':' splits identifier from quota so IPv6 identifiers work.
// Malformed entries are skipped and reported in warnings.
func ParseVIPList(raw string) (VIPList, []string) {
	list := VIPList{limits: make(map[string]int)}
	var warnings []string

	entries := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r' || r == '，'
	})
	for _, entry := range entries {
		entry, _, _ = strings.Cut(entry, "#")
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		i := strings.LastIndex(entry, ":")
		if i <= 0 || i == len(entry)-1 {
			warnings = append(warnings, fmt.Sprintf("vip entry %q: expected identifier:quota", entry))
			continue
		}
		id := strings.TrimSpace(entry[:i])
		quota, err := strconv.Atoi(strings.TrimSpace(entry[i+1:]))
		if id == "" || err != nil || quota <= 0 {
			warnings = append(warnings, fmt.Sprintf("vip entry %q: quota must be a positive integer", entry))
			continue
		}
		list.limits[id] = quota
	}
	if strings.TrimSpace(raw) != "" && len(list.limits) == 0 {
		warnings = append(warnings, `vip list is set but no valid entries were parsed; expected format like "id:10,ip:5"`)
	}
	return list, warnings
}

// Len returns the number of entries.
func (l VIPList) Len() int { return len(l.limits) }

// Resolve returns the VIP limit for a composite user id, matching the device
// id first, then the IP, then the full user id.
func (l VIPList) Resolve(userID string) (int, VIPMatch, bool) {
	if len(l.limits) == 0 {
		return 0, "", false
	}
	id := ParseUserID(userID)
	if id.DeviceID != "" {
		if q, ok := l.limits[id.DeviceID]; ok {
			return q, VIPByDevice, true
		}
	}
	if q, ok := l.limits[id.IP]; ok {
		return q, VIPByIP, true
	}
	if q, ok := l.limits[userID]; ok {
		return q, VIPByUser, true
	}
	return 0, "", false
}
