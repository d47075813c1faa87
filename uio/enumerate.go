package uio

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gen2brain/ihda"
)

// ClassHDA is the PCI class and subclass of an HDA compatible audio controller.
const ClassHDA = 0x0403

// SysfsRoot is where sysfs is mounted.
var SysfsRoot = "/sys"

// Function is a PCI function found in sysfs.
type Function struct {
	Address  string // 0000:00:1b.0
	Vendor   uint16
	Device   uint16
	Class    uint32
	Driver   string // empty when unbound
	UIO      int    // uio minor, -1 when not bound to a uio driver
	Revision uint8
}

// BDF returns the bus, device and function numbers of the address.
func (f Function) BDF() (bus, dev, fn uint8) {
	_, bus, dev, fn, _ = ParseAddress(f.Address)

	return bus, dev, fn
}

// String returns a human-readable representation of the Function.
func (f Function) String() string {
	driver := f.Driver
	if driver == "" {
		driver = "none"
	}

	s := fmt.Sprintf("%s [%04x:%04x] rev %02x driver %s", f.Address, f.Vendor, f.Device, f.Revision, driver)
	if f.UIO >= 0 {
		s += fmt.Sprintf(" /dev/uio%d", f.UIO)
	}

	return s
}

var addressRegex = regexp.MustCompile(`^(?:([0-9a-fA-F]{4}):)?([0-9a-fA-F]{2}):([0-9a-fA-F]{2})\.([0-7])$`)

// ParseAddress parses a PCI address in the "0000:00:1b.0" or "00:1b.0" form.
// A missing domain is zero.
func ParseAddress(s string) (domain uint16, bus, dev, fn uint8, err error) {
	m := addressRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, 0, 0, fmt.Errorf("bad PCI address %q: %w", s, ihda.ErrInvalidArgument)
	}

	if m[1] != "" {
		d, _ := strconv.ParseUint(m[1], 16, 16)
		domain = uint16(d)
	}

	b, _ := strconv.ParseUint(m[2], 16, 8)
	v, _ := strconv.ParseUint(m[3], 16, 8)
	f, _ := strconv.ParseUint(m[4], 10, 8)
	if v > 0x1f {
		return 0, 0, 0, 0, fmt.Errorf("bad PCI device number in %q: %w", s, ihda.ErrInvalidArgument)
	}

	return domain, uint8(b), uint8(v), uint8(f), nil
}

// CanonicalAddress returns s in the "0000:00:1b.0" form used by sysfs.
func CanonicalAddress(s string) (string, error) {
	domain, bus, dev, fn, err := ParseAddress(s)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%04x:%02x:%02x.%d", domain, bus, dev, fn), nil
}

// Enumerate scans sysfs for HDA class PCI functions.
func Enumerate() ([]Function, error) {
	return EnumerateAt(SysfsRoot)
}

// EnumerateAt scans the PCI devices of the sysfs tree mounted at root for
// HDA class functions, sorted by address.
func EnumerateAt(root string) ([]Function, error) {
	devicesDir := filepath.Join(root, "bus", "pci", "devices")
	entries, err := os.ReadDir(devicesDir)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", devicesDir, err)
	}

	var result []Function
	for _, entry := range entries {
		dir := filepath.Join(devicesDir, entry.Name())

		class, err := readHex(filepath.Join(dir, "class"))
		if err != nil || class>>8 != ClassHDA {
			continue
		}

		fn := Function{
			Address: entry.Name(),
			Class:   uint32(class),
			UIO:     -1,
		}

		if v, err := readHex(filepath.Join(dir, "vendor")); err == nil {
			fn.Vendor = uint16(v)
		}
		if v, err := readHex(filepath.Join(dir, "device")); err == nil {
			fn.Device = uint16(v)
		}
		if v, err := readHex(filepath.Join(dir, "revision")); err == nil {
			fn.Revision = uint8(v)
		}
		if link, err := os.Readlink(filepath.Join(dir, "driver")); err == nil {
			fn.Driver = filepath.Base(link)
		}
		fn.UIO = uioMinor(dir)

		result = append(result, fn)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})

	return result, nil
}

// uioMinor returns the minor number of the uio device bound to the PCI
// function in dir, or -1.
func uioMinor(dir string) int {
	entries, err := os.ReadDir(filepath.Join(dir, "uio"))
	if err != nil {
		return -1
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "uio") {
			continue
		}

		n, err := strconv.Atoi(strings.TrimPrefix(name, "uio"))
		if err == nil {
			return n
		}
	}

	return -1
}

// readHex reads a sysfs attribute like "0x040300\n".
func readHex(path string) (uint64, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	s := strings.TrimPrefix(strings.TrimSpace(string(content)), "0x")

	return strconv.ParseUint(s, 16, 32)
}
