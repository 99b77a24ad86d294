package discovery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFP = "AB12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"

func TestEncodeMonitorTXT(t *testing.T) {
	txt := EncodeMonitorTXT(MonitorRecord{
		DeviceID:        "monitor-1",
		CertFingerprint: testFP,
		ControlPort:     48080,
		PairingPort:     48081,
	})

	assert.Equal(t, TXTRecordMap{
		"id": "monitor-1",
		"fp": strings.ToLower(testFP),
		"cp": "48080",
		"pp": "48081",
		"v":  "1",
	}, txt)

	assert.Equal(t, []string{
		"cp=48080",
		"fp=" + strings.ToLower(testFP),
		"id=monitor-1",
		"pp=48081",
		"v=1",
	}, TXTRecordsToStrings(txt))
}

func TestDecodeMonitorTXT(t *testing.T) {
	valid := func() TXTRecordMap {
		return TXTRecordMap{"id": "m", "fp": testFP, "cp": "48080", "pp": "48081", "v": "1"}
	}

	rec, err := DecodeMonitorTXT(valid())
	require.NoError(t, err)
	assert.Equal(t, "m", rec.DeviceID)
	assert.Equal(t, strings.ToLower(testFP), rec.CertFingerprint)
	assert.Equal(t, 48080, rec.ControlPort)
	assert.Equal(t, 48081, rec.PairingPort)
	assert.Equal(t, 1, rec.Version)

	noVersion := valid()
	delete(noVersion, "v")
	rec, err = DecodeMonitorTXT(noVersion)
	require.NoError(t, err)
	assert.Equal(t, RecordVersion, rec.Version)

	tests := []struct {
		name   string
		mutate func(TXTRecordMap)
		want   error
	}{
		{"missing id", func(m TXTRecordMap) { delete(m, "id") }, ErrMissingRequired},
		{"empty id", func(m TXTRecordMap) { m["id"] = "" }, ErrMissingRequired},
		{"missing fp", func(m TXTRecordMap) { delete(m, "fp") }, ErrMissingRequired},
		{"short fp", func(m TXTRecordMap) { m["fp"] = "abcd" }, ErrInvalidTXTRecord},
		{"missing cp", func(m TXTRecordMap) { delete(m, "cp") }, ErrMissingRequired},
		{"port zero", func(m TXTRecordMap) { m["cp"] = "0" }, ErrInvalidTXTRecord},
		{"port too big", func(m TXTRecordMap) { m["pp"] = "70000" }, ErrInvalidTXTRecord},
		{"port not a number", func(m TXTRecordMap) { m["pp"] = "x" }, ErrInvalidTXTRecord},
		{"bad version", func(m TXTRecordMap) { m["v"] = "0" }, ErrInvalidTXTRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txt := valid()
			tt.mutate(txt)
			_, err := DecodeMonitorTXT(txt)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStringsToTXTRecords(t *testing.T) {
	txt := StringsToTXTRecords([]string{"id=a=b", "flag", "", "cp=1"})
	assert.Equal(t, TXTRecordMap{"id": "a=b", "flag": "", "cp": "1"}, txt)
}

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "Nursery", InstanceName("  Nursery ", "abc"))
	assert.Equal(t, "CribCall-12345678", InstanceName("", "123456789abc"))
	assert.Equal(t, "CribCall-abc", InstanceName("", "abc"))
	assert.Len(t, InstanceName(strings.Repeat("x", 100), "abc"), MaxInstanceNameLen)

	assert.ErrorIs(t, ValidateInstanceName(""), ErrInstanceNameTooLong)
	assert.ErrorIs(t, ValidateInstanceName(strings.Repeat("x", 64)), ErrInstanceNameTooLong)
	assert.NoError(t, ValidateInstanceName("Nursery"))
}

func TestMonitorRecordAddrs(t *testing.T) {
	rec := MonitorRecord{ControlPort: 48080, PairingPort: 48081, Addresses: []string{"192.168.1.5", "fe80::1"}}
	assert.Equal(t, []string{"192.168.1.5:48080", "[fe80::1]:48080"}, rec.ControlAddrs())
	assert.Equal(t, []string{"192.168.1.5:48081", "[fe80::1]:48081"}, rec.PairingAddrs())
}
