// ABOUTME: Entry point for the passthru audio player
// ABOUTME: Parses CLI flags, sets up logging and runs the player application
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/app"
	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/discovery"
	"github.com/Resonate-Protocol/passthru-go/internal/selector"
	"github.com/Resonate-Protocol/passthru-go/internal/version"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio/output"
)

var (
	inputAddr   = flag.String("input", "-", "Input: -, file.ts, file.vob, ps:file, udp://host:port or srt://host:port")
	streamID    = flag.String("srt-streamid", "", "SRT stream id sent to the listener")
	pid         = flag.Uint("pid", 0, "Audio PID (0 locks onto the first audio PID)")
	pcrPID      = flag.Uint("pcr-pid", 0, "PCR PID (0 uses the audio PID)")
	pcrRef      = flag.Bool("pcr-ref", false, "Use transport stream PCRs as the time reference")
	device      = flag.String("device", "oto", "Output device: oto or sim")
	delay       = flag.Int("delay", 0, "Replay start delay in 10ms units")
	liveDelay   = flag.Int("live-delay", 0, "Live start delay in 10ms units")
	mpegDelay   = flag.Int("mpeg-delay", 7, "Live MPEG audio wait frames")
	audioDelay  = flag.Int("audio-delay", 0, "Extra silence before linear PCM in 10ms units")
	variable    = flag.Bool("variable", false, "Repeat bursts with the error flag on underrun instead of re-preparing")
	bufferSize  = flag.Int("buffer", 0, "Ring buffer size in bytes (0 for the default)")
	mp2         = flag.Bool("mp2", true, "Accept MPEG audio streams")
	mp2Mode     = flag.String("mp2-mode", "dither", "MPEG audio delivery: dither, round or spdif")
	muted       = flag.Bool("mute", false, "Start muted")
	controlPort = flag.Int("control-port", 8928, "Websocket control port (0 disables)")
	noMDNS      = flag.Bool("no-mdns", false, "Do not advertise the control endpoint")
	list        = flag.Bool("list", false, "List passthru instances on the network and exit")
	name        = flag.String("name", "", "Instance name (default: hostname-passthru)")
	logFile     = flag.String("log-file", "passthru.log", "Log file path")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	muteScript  = flag.String("mute-script", "", "Script run with mute|unmute on mute changes")
	exitOnEnd   = flag.Bool("exit-on-end", false, "Exit once a file input has played out")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", version.Product, version.Version)
		return
	}
	if *list {
		listInstances()
		return
	}

	useTUI := !*noTUI

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	instance := *name
	if instance == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		instance = fmt.Sprintf("%s-passthru", hostname)
	}

	dev, err := openDevice(*device)
	if err != nil {
		log.Fatalf("%v", err)
	}
	flags, err := initialFlags()
	if err != nil {
		log.Fatalf("%v", err)
	}

	opts := control.DefaultOptions()
	opts.Delay = *delay
	opts.LiveDelay = *liveDelay
	opts.MPEGDelay = *mpegDelay
	opts.AudioDelay = *audioDelay
	opts.Variable = *variable
	opts.BufferSize = *bufferSize

	player, err := app.New(app.Config{
		Input:       *inputAddr,
		SRTStreamID: *streamID,
		Name:        instance,
		Device:      dev,
		Options:     opts,
		Flags:       flags,
		Selector:    selector.Config{PID: uint16(*pid), PCRPID: uint16(*pcrPID)},
		Reference:   *pcrRef,
		MuteScript:  *muteScript,
		ExitOnEnd:   *exitOnEnd,
		ControlPort: *controlPort,
		EnableMDNS:  !*noMDNS,
		UseTUI:      useTUI,
	})
	if err != nil {
		log.Fatalf("Failed to create player: %v", err)
	}

	log.Printf("Starting %s %s: %s", version.Product, version.Version, instance)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := player.Run(ctx); err != nil {
		log.Printf("Player error: %v", err)
		stop()
		os.Exit(1)
	}
}

// openDevice returns the named output device
func openDevice(name string) (output.Device, error) {
	switch name {
	case "oto":
		return output.NewOto(), nil
	case "sim":
		return output.NewSim(nil), nil
	default:
		return nil, fmt.Errorf("unknown output device %q", name)
	}
}

// initialFlags builds the starting flag set from the command line
func initialFlags() (control.Flag, error) {
	flags := control.Active | control.MP2Enable
	switch *mp2Mode {
	case "dither":
		flags |= control.MP2Dither
	case "round":
	case "spdif":
		flags |= control.MP2SPDIF
	default:
		return 0, fmt.Errorf("unknown MPEG audio mode %q", *mp2Mode)
	}
	if !*mp2 {
		flags &^= control.MP2Enable
	}
	if *muted {
		flags |= control.Mute
	}
	return flags, nil
}

// listInstances prints the control endpoints found within a few seconds
func listInstances() {
	mgr := discovery.NewManager(discovery.Config{})
	defer mgr.Stop()
	mgr.Browse()

	seen := make(map[string]bool)
	timeout := time.After(4 * time.Second)
	for {
		select {
		case inst := <-mgr.Instances():
			if seen[inst.Name] {
				continue
			}
			seen[inst.Name] = true
			fmt.Printf("%s\t%s\t%v\n", inst.Name, inst.Addr(), inst.Info)
		case <-timeout:
			if len(seen) == 0 {
				fmt.Println("no passthru instances found")
			}
			return
		}
	}
}
