package uio_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/ihda"
	"github.com/gen2brain/ihda/uio"
)

// fakeFunction creates a PCI function directory under a fake sysfs root.
func fakeFunction(t *testing.T, root, addr, class, vendor, device, driver string, minor int) {
	t.Helper()

	dir := filepath.Join(root, "bus", "pci", "devices", addr)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	write := func(name, value string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
	}
	write("class", class)
	write("vendor", vendor)
	write("device", device)
	write("revision", "0x03")

	if driver != "" {
		target := filepath.Join(root, "bus", "pci", "drivers", driver)
		require.NoError(t, os.MkdirAll(target, 0o755))
		require.NoError(t, os.Symlink(target, filepath.Join(dir, "driver")))
	}

	if minor >= 0 {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "uio", "uio"+strconv.Itoa(minor)), 0o755))
	}
}

func TestEnumerateAt(t *testing.T) {
	root := t.TempDir()

	fakeFunction(t, root, "0000:00:1f.3", "0x040300", "0x8086", "0xa348", "snd_hda_intel", -1)
	fakeFunction(t, root, "0000:00:1b.0", "0x040300", "0x8086", "0x293e", "uio_pci_generic", 0)
	fakeFunction(t, root, "0000:00:02.0", "0x030000", "0x8086", "0x3e92", "i915", -1)
	fakeFunction(t, root, "0000:03:00.1", "0x040300", "0x10de", "0x10f0", "", -1)

	funcs, err := uio.EnumerateAt(root)
	require.NoError(t, err)
	require.Len(t, funcs, 3, "only HDA class functions are listed")

	assert.Equal(t, "0000:00:1b.0", funcs[0].Address)
	assert.Equal(t, uint16(0x8086), funcs[0].Vendor)
	assert.Equal(t, uint16(0x293e), funcs[0].Device)
	assert.Equal(t, uint32(0x040300), funcs[0].Class)
	assert.Equal(t, uint8(3), funcs[0].Revision)
	assert.Equal(t, "uio_pci_generic", funcs[0].Driver)
	assert.Equal(t, 0, funcs[0].UIO)
	assert.Equal(t, "0000:00:1b.0 [8086:293e] rev 03 driver uio_pci_generic /dev/uio0", funcs[0].String())

	bus, dev, fn := funcs[0].BDF()
	assert.Equal(t, []uint8{0x00, 0x1b, 0}, []uint8{bus, dev, fn})

	assert.Equal(t, "snd_hda_intel", funcs[1].Driver)
	assert.Equal(t, -1, funcs[1].UIO)

	assert.Empty(t, funcs[2].Driver)
	assert.Equal(t, "0000:03:00.1 [10de:10f0] rev 03 driver none", funcs[2].String())

	_, err = uio.EnumerateAt(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	testCases := []struct {
		in       string
		domain   uint16
		bus, dev uint8
		fn       uint8
		ok       bool
	}{
		{"0000:00:1b.0", 0, 0x00, 0x1b, 0, true},
		{"00:1f.3", 0, 0x00, 0x1f, 3, true},
		{"0001:80:03.7", 1, 0x80, 0x03, 7, true},
		{" 00:1B.0\n", 0, 0x00, 0x1b, 0, true},
		{"00:20.0", 0, 0, 0, 0, false},
		{"00:1b.8", 0, 0, 0, 0, false},
		{"1b.0", 0, 0, 0, 0, false},
		{"", 0, 0, 0, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			domain, bus, dev, fn, err := uio.ParseAddress(tc.in)
			if !tc.ok {
				assert.True(t, errors.Is(err, ihda.ErrInvalidArgument), "expected invalid argument, got %v", err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.domain, domain)
			assert.Equal(t, tc.bus, bus)
			assert.Equal(t, tc.dev, dev)
			assert.Equal(t, tc.fn, fn)
		})
	}

	s, err := uio.CanonicalAddress("00:1B.0")
	require.NoError(t, err)
	assert.Equal(t, "0000:00:1b.0", s)
}

func TestPagemapFrame(t *testing.T) {
	pfn, present := uio.PagemapFrame(uio.PM_PRESENT | 0x12345)
	assert.True(t, present)
	assert.Equal(t, uint64(0x12345), pfn)

	// Soft-dirty and exclusive flags sit above the frame number.
	pfn, present = uio.PagemapFrame(uio.PM_PRESENT | 1<<55 | 1<<56 | 0x42)
	assert.True(t, present)
	assert.Equal(t, uint64(0x42), pfn)

	_, present = uio.PagemapFrame(0x12345)
	assert.False(t, present, "not present")

	_, present = uio.PagemapFrame(uio.PM_PRESENT | uio.PM_SWAPPED | 0x12345)
	assert.False(t, present, "swapped out")
}
