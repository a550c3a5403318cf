package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AD mixed-endian bytes for GUID 12345678-1234-1234-1234-123456789012
var testGUIDBytes = []byte{
	0x78, 0x56, 0x34, 0x12, // Data1: little-endian
	0x34, 0x12, // Data2: little-endian
	0x34, 0x12, // Data3: little-endian
	0x12, 0x34, 0x12, 0x34, 0x56, 0x78, 0x90, 0x12, // Data4: big-endian
}

func TestGUIDBytesToString(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    string
		wantErr bool
	}{
		{name: "valid AD bytes", input: testGUIDBytes, want: "12345678-1234-1234-1234-123456789012"},
		{name: "too short", input: testGUIDBytes[:4], wantErr: true},
		{name: "too long", input: append(append([]byte{}, testGUIDBytes...), 0x00), wantErr: true},
		{name: "nil", input: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GUIDBytesToString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringToGUIDBytes(t *testing.T) {
	for _, in := range []string{
		"12345678-1234-1234-1234-123456789012",
		"{12345678-1234-1234-1234-123456789012}",
		"12345678123412341234123456789012",
	} {
		got, err := StringToGUIDBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, testGUIDBytes, got, in)
	}

	_, err := StringToGUIDBytes("not-a-guid")
	assert.Error(t, err)
}

func TestGUIDRoundTrip(t *testing.T) {
	const guid = "550e8400-e29b-41d4-a716-446655440000"

	raw, err := StringToGUIDBytes(guid)
	require.NoError(t, err)
	back, err := GUIDBytesToString(raw)
	require.NoError(t, err)
	assert.Equal(t, guid, back)
}

func TestSIDBinaryToString(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    string
		wantErr bool
	}{
		{
			name:  "builtin administrators",
			input: []byte{0x01, 0x02, 0, 0, 0, 0, 0, 0x05, 0x20, 0, 0, 0, 0x20, 0x02, 0, 0},
			want:  "S-1-5-32-544",
		},
		{
			name: "domain user",
			input: []byte{
				0x01, 0x05, 0, 0, 0, 0, 0, 0x05,
				0x15, 0, 0, 0,
				0x01, 0, 0, 0,
				0x02, 0, 0, 0,
				0x03, 0, 0, 0,
				0x50, 0x04, 0, 0,
			},
			want: "S-1-5-21-1-2-3-1104",
		},
		{name: "empty", input: nil, wantErr: true},
		{name: "truncated header", input: []byte{0x01, 0x01, 0, 0}, wantErr: true},
		{name: "truncated sub-authorities", input: []byte{0x01, 0x02, 0, 0, 0, 0, 0, 0x05, 0x20, 0, 0, 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SIDBinaryToString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
