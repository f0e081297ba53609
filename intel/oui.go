package intel

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/cobaltsec/cobaltgraph/util"

	"github.com/spf13/afero"
)

// builtinOUI covers the vendors most commonly seen on a LAN so network-mode
// records get vendor names without any external file. An override file in
// "aa:bb:cc<tab>Vendor Name" format extends or replaces entries.
var builtinOUI = map[string]string{
	"00:50:56": "VMware",
	"00:0c:29": "VMware",
	"00:1c:14": "VMware",
	"08:00:27": "Oracle VirtualBox",
	"52:54:00": "QEMU/KVM",
	"00:15:5d": "Microsoft Hyper-V",
	"ac:de:48": "Apple",
	"f0:18:98": "Apple",
	"3c:22:fb": "Apple",
	"00:1a:11": "Google",
	"f4:f5:d8": "Google",
	"94:eb:2c": "Google",
	"18:74:2e": "Amazon Technologies",
	"74:c2:46": "Amazon Technologies",
	"fc:65:de": "Amazon Technologies",
	"00:25:9c": "Cisco-Linksys",
	"00:1b:54": "Cisco Systems",
	"58:97:1e": "Cisco Systems",
	"b0:be:76": "TP-Link",
	"50:c7:bf": "TP-Link",
	"00:1d:7e": "Netgear",
	"a0:40:a0": "Netgear",
	"00:24:e9": "Samsung Electronics",
	"8c:77:12": "Samsung Electronics",
	"00:17:88": "Philips Lighting",
	"b8:27:eb": "Raspberry Pi Foundation",
	"dc:a6:32": "Raspberry Pi Trading",
	"e4:5f:01": "Raspberry Pi Trading",
	"00:11:32": "Synology",
	"24:5e:be": "ASUSTek Computer",
	"04:92:26": "ASUSTek Computer",
	"00:1f:c6": "ASUSTek Computer",
	"3c:97:0e": "Wistron InfoComm",
	"00:21:cc": "Flextronics International",
	"98:de:d0": "TP-Link",
	"28:d2:44": "LCFC (Lenovo)",
	"54:e1:ad": "LCFC (Lenovo)",
	"8c:16:45": "LCFC (Lenovo)",
	"f8:75:a4": "LCFC (Lenovo)",
	"d8:9e:f3": "Dell",
	"18:a9:9b": "Dell",
	"00:14:22": "Dell",
	"b4:96:91": "Intel Corporate",
	"a0:36:9f": "Intel Corporate",
	"00:02:b3": "Intel Corporation",
}

// OUITable maps MAC address prefixes to vendor names. Read-only after
// construction, so it is safe for concurrent use.
type OUITable struct {
	vendors map[string]string
}

// NewOUITable returns the builtin table, extended by the optional override
// file at path when it exists.
func NewOUITable(afs afero.Fs, path string) (*OUITable, error) {
	vendors := make(map[string]string, len(builtinOUI))
	for prefix, vendor := range builtinOUI {
		vendors[prefix] = vendor
	}

	if path != "" {
		contents, err := util.GetFileContents(afs, path)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(bytes.NewReader(contents))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "\t", 2)
			if len(parts) != 2 {
				continue
			}
			prefix := strings.ToLower(strings.TrimSpace(parts[0]))
			vendors[prefix] = strings.TrimSpace(parts[1])
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	return &OUITable{vendors: vendors}, nil
}

// Vendor returns the vendor name for a canonical MAC address, or the empty
// string when the prefix is unknown.
func (t *OUITable) Vendor(mac string) string {
	mac = util.CanonicalMAC(mac)
	if len(mac) < 8 {
		return ""
	}
	return t.vendors[mac[:8]]
}
