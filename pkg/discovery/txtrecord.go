package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cribcall/cribcall-go/pkg/identity"
)

// TXTRecordMap represents mDNS TXT records as key-value pairs.
type TXTRecordMap map[string]string

// EncodeMonitorTXT creates TXT records for a monitor advertisement.
func EncodeMonitorTXT(rec MonitorRecord) TXTRecordMap {
	version := rec.Version
	if version == 0 {
		version = RecordVersion
	}
	return TXTRecordMap{
		TXTKeyDeviceID:    rec.DeviceID,
		TXTKeyFingerprint: identity.NormalizeFingerprint(rec.CertFingerprint),
		TXTKeyControl:     strconv.Itoa(rec.ControlPort),
		TXTKeyPairing:     strconv.Itoa(rec.PairingPort),
		TXTKeyVersion:     strconv.Itoa(version),
	}
}

// DecodeMonitorTXT parses TXT records into a MonitorRecord.
// Only the TXT-carried fields are set.
func DecodeMonitorTXT(txt TXTRecordMap) (MonitorRecord, error) {
	var rec MonitorRecord

	id, ok := txt[TXTKeyDeviceID]
	if !ok || id == "" {
		return rec, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyDeviceID)
	}
	rec.DeviceID = id

	fp, ok := txt[TXTKeyFingerprint]
	if !ok {
		return rec, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyFingerprint)
	}
	if !identity.ValidFingerprint(fp) {
		return rec, fmt.Errorf("%w: bad fingerprint %q", ErrInvalidTXTRecord, fp)
	}
	rec.CertFingerprint = identity.NormalizeFingerprint(fp)

	var err error
	if rec.ControlPort, err = parsePort(txt, TXTKeyControl); err != nil {
		return rec, err
	}
	if rec.PairingPort, err = parsePort(txt, TXTKeyPairing); err != nil {
		return rec, err
	}

	rec.Version = RecordVersion
	if v, ok := txt[TXTKeyVersion]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return rec, fmt.Errorf("%w: bad version %q", ErrInvalidTXTRecord, v)
		}
		rec.Version = n
	}

	return rec, nil
}

func parsePort(txt TXTRecordMap, key string) (int, error) {
	s, ok := txt[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingRequired, key)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("%w: bad port %s=%q", ErrInvalidTXTRecord, key, s)
	}
	return n, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to a slice of "key=value" strings,
// sorted by key.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if found {
			txt[k] = v
		} else if k != "" {
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}

// InstanceName derives a DNS-SD instance label from a monitor name.
// Falls back to "CribCall-<id prefix>" when the name is empty.
func InstanceName(monitorName, deviceID string) string {
	name := strings.TrimSpace(monitorName)
	if name == "" {
		prefix := deviceID
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		name = "CribCall-" + prefix
	}
	if len(name) > MaxInstanceNameLen {
		name = name[:MaxInstanceNameLen]
	}
	return name
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
