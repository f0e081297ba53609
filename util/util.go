package util

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"

	"github.com/spf13/afero"
)

var (
	privateIPBlocks []*net.IPNet

	ErrInvalidPath = errors.New("path cannot be empty string")

	ErrFileDoesNotExist = errors.New("file does not exist")
	ErrFileIsEmpty      = errors.New("file is empty")
	ErrPathIsDir        = errors.New("given path is a directory, not a file")

	ErrDirDoesNotExist = errors.New("directory does not exist")
	ErrPathIsNotDir    = errors.New("given path is not a directory")
)

func init() {
	privateIPs, err := ParseSubnets(
		[]string{
			// "127.0.0.0/8",    // IPv4 Loopback; handled by ip.IsLoopback
			// "::1/128",        // IPv6 Loopback; handled by ip.IsLoopback
			// "169.254.0.0/16", // RFC3927 link-local; handled by ip.IsLinkLocalUnicast()
			// "fe80::/10",      // IPv6 link-local; handled by ip.IsLinkLocalUnicast()
			"10.0.0.0/8",     // RFC1918
			"172.16.0.0/12",  // RFC1918
			"192.168.0.0/16", // RFC1918
			"fc00::/7",       // IPv6 unique local addr
		})

	if err == nil {
		privateIPBlocks = privateIPs
	} else {
		panic(fmt.Sprintf("Error defining private IPs: %v", err.Error()))
	}
}

// ContainsIP checks if a collection of subnets contains an IP
func ContainsIP(subnets []*net.IPNet, ip net.IP) bool {
	// cache IPv4 conversion so it is not performed in every Contains call
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
	}

	for _, block := range subnets {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseSubnets parses the provided subnets into net.IPNet format
func ParseSubnets(subnets []string) ([]*net.IPNet, error) {
	var parsedSubnets []*net.IPNet

	for _, entry := range subnets {
		// Try to parse out CIDR range
		_, block, err := net.ParseCIDR(entry)

		// If there was an error, check if entry was an IP
		if err != nil {
			ipAddr := net.ParseIP(entry)
			if ipAddr == nil {
				return parsedSubnets, fmt.Errorf("error parsing entry: %s", err.Error())
			}

			// Check if it's an IPv4 or IPv6 address and append the appropriate subnet mask
			var subnetMask string
			if ipAddr.To4() != nil {
				subnetMask = "/32"
			} else {
				subnetMask = "/128"
			}

			// Append the subnet mask and parse as a CIDR range
			_, block, err = net.ParseCIDR(entry + subnetMask)

			if err != nil {
				return parsedSubnets, fmt.Errorf("error parsing entry: %s", err.Error())
			}
		}

		// Add CIDR range to the list
		parsedSubnets = append(parsedSubnets, block)
	}
	return parsedSubnets, nil
}

// IPIsPubliclyRoutable checks if an IP address is publicly routable. See privateIPBlocks.
// Loopback, link-local, multicast, RFC1918 and unique-local destinations all
// count as non-routable and take the private enrichment shortcut.
func IPIsPubliclyRoutable(ip net.IP) bool {
	// cache IPv4 conversion so it is not performed in every ip.IsXXX method
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}

	if ContainsIP(privateIPBlocks, ip) {
		return false
	}
	return true
}

// CanonicalIP returns the canonical textual form of an IP address:
// dotted quad for IPv4 (including IPv4-in-IPv6), collapsed form for IPv6.
// The empty string is returned for unparsable input.
func CanonicalIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		return ipv4.String()
	}
	return parsed.String()
}

// CanonicalMAC returns a MAC address as lowercase colon-separated hex,
// or the empty string if the input cannot be parsed.
func CanonicalMAC(mac string) string {
	if mac == "" {
		return ""
	}
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return ""
	}
	return strings.ToLower(hw.String())
}

// ValidPort reports whether a port number is within [0, 65535]
func ValidPort(port int) bool {
	return port >= 0 && port <= 65535
}

// GetFileContents reads the entire contents of a file after validating it
func GetFileContents(afs afero.Fs, path string) ([]byte, error) {
	if err := ValidateFile(afs, path); err != nil {
		return nil, err
	}
	return afero.ReadFile(afs, path)
}

// ValidateDirectory verifies that a path exists and is a directory
func ValidateDirectory(afs afero.Fs, dir string) error {
	exists, isDir, _, err := validatePath(afs, dir)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("%w: %s", ErrDirDoesNotExist, dir)
	}

	if !isDir {
		return fmt.Errorf("%w: %s", ErrPathIsNotDir, dir)
	}

	return nil
}

// ValidateFile verifies that a path exists and is a non-empty file
func ValidateFile(afs afero.Fs, file string) error {
	exists, isDir, isEmpty, err := validatePath(afs, file)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("%w: %s", ErrFileDoesNotExist, file)
	}

	if isDir {
		return fmt.Errorf("%w: %s", ErrPathIsDir, file)
	}

	if isEmpty {
		return fmt.Errorf("%w: %s", ErrFileIsEmpty, file)
	}

	return nil
}

func validatePath(afs afero.Fs, path string) (bool, bool, bool, error) {
	var exists, isDir, isEmpty bool

	if afs == nil {
		return exists, isDir, isEmpty, fmt.Errorf("filesystem is nil")
	}

	if path == "" {
		return exists, isDir, isEmpty, ErrInvalidPath
	}

	info, err := afs.Stat(path)
	if err != nil {
		// stat errors other than non-existence are reported as-is
		if errors.Is(err, fs.ErrNotExist) {
			return exists, isDir, isEmpty, nil
		}
		return exists, isDir, isEmpty, err
	}

	exists = true
	isDir = info.IsDir()
	if !isDir {
		isEmpty = info.Size() == 0
	}
	return exists, isDir, isEmpty, nil
}
