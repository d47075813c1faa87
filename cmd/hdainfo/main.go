package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/gen2brain/ihda"
	"github.com/gen2brain/ihda/hdasim"
	"github.com/gen2brain/ihda/uio"
)

func main() {
	var (
		bdf   string
		sim   bool
		list  bool
		codec uint
		nid   uint
		verb  string
		wait  time.Duration
	)

	flag.StringVar(&bdf, "bdf", "", "PCI address of a uio bound controller (e.g. 00:1b.0).")
	flag.BoolVar(&sim, "sim", false, "Use a simulated controller instead of hardware.")
	flag.BoolVar(&list, "list", false, "List HDA controllers and exit.")
	flag.UintVar(&codec, "codec", 0, "Codec address for -verb.")
	flag.UintVar(&nid, "nid", 0, "Node id for -verb.")
	flag.StringVar(&verb, "verb", "", "Raw 20-bit verb and payload to send, in hex (e.g. f0000).")
	flag.DurationVar(&wait, "wait", time.Second, "How long to wait for codec discovery and responses.")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Brings up an Intel HDA controller and displays its capabilities.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()
	defer glog.Flush()

	if list {
		funcs, err := uio.Enumerate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error enumerating controllers: %v\n", err)
			os.Exit(1)
		}

		for _, f := range funcs {
			fmt.Println(f)
		}

		return
	}

	var (
		pci   ihda.PCIDevice
		alloc ihda.DMAAllocator
	)

	switch {
	case sim:
		dev := hdasim.New(hdasim.DefaultConfig())
		pci, alloc = dev, dev.Memory()
	case bdf != "":
		dev, err := uio.Open(bdf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", bdf, err)
			os.Exit(1)
		}
		pci, alloc = dev, uio.NewAllocator()
	default:
		fmt.Fprintln(os.Stderr, "Error: one of -bdf or -sim is required.")
		flag.Usage()
		os.Exit(1)
	}

	discovered := make(chan []uint8, 1)
	cfg := ihda.DefaultConfig()
	cfg.OnCodecs = func(codecs []uint8) {
		select {
		case discovered <- codecs:
		default:
		}
	}
	cfg.OnUnsolicited = func(resp ihda.CodecResponse) {
		fmt.Printf("Unsolicited:        %v\n", resp)
	}

	platform := ihda.NewPlatform(alloc, ihda.NewRegistry())
	c, err := ihda.NewController(platform, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating controller: %v\n", err)
		os.Exit(1)
	}

	if err := c.Init(pci); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing controller: %v\n", err)
		os.Exit(1)
	}
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	select {
	case <-discovered:
	case <-ctx.Done():
	}

	if err := printInfo(ctx, c); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}

	if verb == "" {
		return
	}

	v, err := strconv.ParseUint(verb, 16, 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid verb '%s': %v\n", verb, err)
		return
	}

	cmd := ihda.NewCodecCommand(uint8(codec), uint8(nid), uint32(v))
	resp, err := c.Transact(ctx, cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error sending %v: %v\n", cmd, err)
		return
	}

	fmt.Printf("Command %v:  %v\n", cmd, resp)
}

// printInfo prints the controller capabilities, ring geometry, stream pool
// and discovered codecs.
func printInfo(ctx context.Context, c *ihda.Controller) error {
	caps, err := c.GlobalCaps()
	if err != nil {
		return err
	}

	cmds, err := c.Commands()
	if err != nil {
		return err
	}

	pool, err := c.Streams()
	if err != nil {
		return err
	}

	fmt.Printf("Controller:         %s (%v)\n", c.Name(), c.State())
	fmt.Printf("Capabilities:       %v\n", caps)
	fmt.Printf("CORB entries:       %d\n", cmds.CORBEntries())
	fmt.Printf("RIRB entries:       %d\n", cmds.RIRBEntries())
	fmt.Printf("Max in flight:      %d\n", cmds.MaxInFlight())

	fmt.Printf("Streams:            %d (%d free)\n", len(pool.Streams()), pool.Free())
	for _, s := range pool.Streams() {
		fmt.Printf("  %v\n", s)
	}

	codecs := c.Codecs()
	if len(codecs) == 0 {
		fmt.Println("Codecs:             none")
		return nil
	}

	fmt.Println("Codecs:")
	for _, addr := range codecs {
		// GET_PARAMETER(VENDOR_ID) on the root node
		resp, err := c.Transact(ctx, ihda.NewCodecCommand(addr, 0, 0xF0000))
		if err != nil {
			fmt.Printf("  Codec %d: %v\n", addr, err)
			continue
		}

		fmt.Printf("  Codec %d: vendor %04x device %04x\n", addr, resp.Data>>16, resp.Data&0xFFFF)
	}

	return nil
}
