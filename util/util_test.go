package util

import (
	"net"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPIsPubliclyRoutable(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		routable bool
	}{
		{"public IPv4", "8.8.8.8", true},
		{"public IPv6", "2606:4700:4700::1111", true},
		{"RFC1918 10/8", "10.11.12.13", false},
		{"RFC1918 172.16/12", "172.16.0.1", false},
		{"RFC1918 192.168/16", "192.168.1.5", false},
		{"loopback", "127.0.0.1", false},
		{"IPv6 loopback", "::1", false},
		{"link local", "169.254.10.20", false},
		{"IPv6 link local", "fe80::1", false},
		{"multicast", "224.0.0.251", false},
		{"IPv6 unique local", "fd12:3456::1", false},
		{"unspecified", "0.0.0.0", false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ip := net.ParseIP(test.ip)
			require.NotNil(t, ip, "test ip must parse")
			assert.Equal(t, test.routable, IPIsPubliclyRoutable(ip))
		})
	}
}

func TestCanonicalIP(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"ipv4", "8.8.8.8", "8.8.8.8"},
		{"ipv4 with whitespace", " 8.8.4.4 ", "8.8.4.4"},
		{"ipv4 in ipv6", "::ffff:1.2.3.4", "1.2.3.4"},
		{"ipv6 collapsed", "2001:0db8:0000:0000:0000:0000:0000:0001", "2001:db8::1"},
		{"garbage", "not-an-ip", ""},
		{"empty", "", ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, CanonicalIP(test.in))
		})
	}
}

func TestCanonicalMAC(t *testing.T) {
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", CanonicalMAC("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", CanonicalMAC("aa-bb-cc-dd-ee-ff"))
	assert.Equal(t, "", CanonicalMAC("zz:zz"))
	assert.Equal(t, "", CanonicalMAC(""))
}

func TestValidPort(t *testing.T) {
	assert.True(t, ValidPort(0))
	assert.True(t, ValidPort(65535))
	assert.False(t, ValidPort(-1))
	assert.False(t, ValidPort(65536))
}

func TestValidateFile(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/data/weights.json", []byte("{}"), 0o644))
	require.NoError(t, afero.WriteFile(afs, "/data/empty", nil, 0o644))
	require.NoError(t, afs.MkdirAll("/data/dir", 0o755))

	assert.NoError(t, ValidateFile(afs, "/data/weights.json"))
	assert.ErrorIs(t, ValidateFile(afs, "/data/empty"), ErrFileIsEmpty)
	assert.ErrorIs(t, ValidateFile(afs, "/data/dir"), ErrPathIsDir)
	assert.ErrorIs(t, ValidateFile(afs, "/data/missing"), ErrFileDoesNotExist)
	assert.ErrorIs(t, ValidateFile(afs, ""), ErrInvalidPath)
}

func TestValidateDirectory(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afs.MkdirAll("/exports", 0o755))
	require.NoError(t, afero.WriteFile(afs, "/exports/file.csv", []byte("a"), 0o644))

	assert.NoError(t, ValidateDirectory(afs, "/exports"))
	assert.ErrorIs(t, ValidateDirectory(afs, "/exports/file.csv"), ErrPathIsNotDir)
	assert.ErrorIs(t, ValidateDirectory(afs, "/missing"), ErrDirDoesNotExist)
}

func TestGetFileContents(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/cfg.hjson", []byte("{ mode: device }"), 0o644))

	contents, err := GetFileContents(afs, "/cfg.hjson")
	require.NoError(t, err)
	assert.Equal(t, []byte("{ mode: device }"), contents)

	_, err = GetFileContents(afs, "/nope")
	assert.ErrorIs(t, err, ErrFileDoesNotExist)
}
