package discovery

import (
	"bufio"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// readARPTable returns ip -> MAC from the OS ARP cache. Failures collapse to
// an empty map; MACs are best-effort metadata only.
func readARPTable() map[string]string {
	if runtime.GOOS == "linux" {
		return readProcNetARP("/proc/net/arp")
	}
	return readARPCommand()
}

// readProcNetARP parses the Linux kernel ARP table. Format:
//
//	IP address  HW type  Flags  HW address  Mask  Device
func readProcNetARP(path string) map[string]string {
	out := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		mac := strings.ToLower(fields[3])
		if mac == "00:00:00:00:00:00" {
			continue
		}
		out[fields[0]] = mac
	}
	return out
}

// readARPCommand parses `arp -a` output on Windows and macOS. Both formats
// carry the IP (possibly parenthesized) followed by the MAC.
func readARPCommand() map[string]string {
	out := make(map[string]string)
	cmd := exec.Command("arp", "-a")
	data, err := cmd.Output()
	if err != nil {
		return out
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		var ip, mac string
		for _, field := range fields {
			field = strings.Trim(field, "()")
			if ip == "" && isIPv4(field) {
				ip = field
				continue
			}
			if ip != "" && isMAC(field) {
				mac = normalizeMAC(field)
				break
			}
		}
		if ip != "" && mac != "" {
			out[ip] = mac
		}
	}
	return out
}

func isIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

func isMAC(s string) bool {
	sep := ":"
	if strings.Contains(s, "-") {
		sep = "-"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 && len(p) != 1 {
			return false
		}
	}
	return true
}

func normalizeMAC(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "-", ":"))
}
