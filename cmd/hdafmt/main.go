package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/gen2brain/ihda"
)

func main() {
	var help bool
	flag.BoolVar(&help, "help", false, "Show this help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <wav-file>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nPrints the HDA stream format word for a WAV file.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		fmt.Fprintln(os.Stderr, "  --help      Show this help message")
	}

	flag.Parse()

	if help || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	wavPath := flag.Arg(0)

	file, err := os.Open(wavPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)

	if !decoder.IsValidFile() {
		fmt.Fprintln(os.Stderr, "Invalid WAV file")
		os.Exit(1)
	}

	fmt.Printf("Filename:           %s\n", wavPath)
	fmt.Printf("Channels:           %d\n", decoder.NumChans)
	fmt.Printf("Sample Rate:        %d Hz\n", decoder.SampleRate)
	fmt.Printf("Bits Per Sample:    %d\n", decoder.BitDepth)

	// Format 3 is IEEE float, which HDA streams cannot carry.
	if decoder.WavAudioFormat == 3 {
		fmt.Fprintln(os.Stderr, "IEEE float samples have no HDA stream format")
		os.Exit(1)
	}

	format := &audio.Format{
		NumChannels: int(decoder.NumChans),
		SampleRate:  int(decoder.SampleRate),
	}

	word, err := ihda.EncodeStreamFormat(format, int(decoder.BitDepth))
	if err != nil {
		fmt.Fprintf(os.Stderr, "No stream format: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Stream Format:      %#04x\n", word)
	fmt.Printf("  Base:             %s\n", base(word))
	fmt.Printf("  Multiplier:       x%d\n", (word>>11)&0x7+1)
	fmt.Printf("  Divisor:          /%d\n", (word>>8)&0x7+1)
	fmt.Printf("  Bits:             %d\n", decoder.BitDepth)
	fmt.Printf("  Channels:         %d\n", word&0xF+1)
}

// base returns the base rate selected by the BASE bit of a format word.
func base(word uint16) string {
	if word&(1<<14) != 0 {
		return "44.1 kHz"
	}

	return "48 kHz"
}
