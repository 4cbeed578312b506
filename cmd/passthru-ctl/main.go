// ABOUTME: Command line control client for a running passthru instance
// ABOUTME: Sends mute/active/clear/reset commands or prints status over the control endpoint
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/client"
	"github.com/Resonate-Protocol/passthru-go/internal/discovery"
	"github.com/Resonate-Protocol/passthru-go/internal/protocol"
)

var (
	serverAddr = flag.String("server", "", "Control endpoint address (default: first instance found via mDNS)")
	watch      = flag.Bool("watch", false, "Keep printing status")
	timeout    = flag.Duration("timeout", 5*time.Second, "Discovery and reply timeout")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: passthru-ctl [flags] status | mute on|off | active on|off | clear | reset\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	log.SetFlags(0)

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		usage()
		os.Exit(2)
	}

	addr := *serverAddr
	if addr == "" {
		addr, err = discover(*timeout)
		if err != nil {
			log.Fatalf("%v", err)
		}
	}

	c := client.NewClient(client.Config{ServerAddr: addr})
	if err := c.Connect(); err != nil {
		log.Fatalf("Connection to %s failed: %v", addr, err)
	}
	defer c.Close()

	if cmd == nil {
		printStatus(c)
		return
	}

	if err := c.Send(*cmd); err != nil {
		log.Fatalf("Send failed: %v", err)
	}
	select {
	case res := <-c.Results:
		if !res.OK {
			log.Fatalf("%s failed: %s", res.Command, res.Error)
		}
		fmt.Printf("%s: ok\n", res.Command)
	case msg := <-c.Errors:
		log.Fatalf("server error: %s", msg)
	case <-c.Done():
		log.Fatalf("connection closed")
	case <-time.After(*timeout):
		log.Fatalf("no reply from %s", addr)
	}
}

// parseCommand returns nil for status
func parseCommand(args []string) (*protocol.Command, error) {
	if len(args) == 0 || args[0] == "status" {
		return nil, nil
	}
	cmd := &protocol.Command{Command: args[0]}
	switch args[0] {
	case protocol.CommandClear, protocol.CommandReset:
		return cmd, nil
	case protocol.CommandMute, protocol.CommandActive:
		if len(args) != 2 {
			return nil, fmt.Errorf("%s needs on or off", args[0])
		}
		switch args[1] {
		case "on", "true", "1":
			cmd.Value = true
		case "off", "false", "0":
		default:
			return nil, fmt.Errorf("bad value %q", args[1])
		}
		return cmd, nil
	}
	return nil, fmt.Errorf("unknown command %q", args[0])
}

// discover returns the first instance advertised on the network
func discover(timeout time.Duration) (string, error) {
	mgr := discovery.NewManager(discovery.Config{})
	defer mgr.Stop()
	mgr.Browse()

	select {
	case inst := <-mgr.Instances():
		return inst.Addr(), nil
	case <-time.After(timeout):
		return "", fmt.Errorf("no passthru instance found after %s", timeout)
	}
}

func printStatus(c *client.Client) {
	fmt.Printf("%s (%s %s)\n", c.Hello.Name, c.Hello.Product, c.Hello.SoftwareVersion)
	for {
		select {
		case st := <-c.Status:
			fmt.Println(formatStatus(st))
			if !*watch {
				return
			}
		case <-c.Done():
			return
		case <-time.After(*timeout):
			log.Fatalf("no status received")
		}
	}
}

func formatStatus(st protocol.Status) string {
	state := "inactive"
	switch {
	case st.Muted:
		state = "muted"
	case st.Active:
		state = "active"
	}
	stream := "no stream"
	if s := st.Stream; s != nil {
		stream = fmt.Sprintf("%s track %#x %dHz", s.Codec, s.Track, s.SampleRate)
		if st.Pump.Output != "" {
			stream += " " + st.Pump.Output
		}
		if st.Pump.Warming {
			stream += " (starting)"
		}
	}
	return fmt.Sprintf("%s, %s, sync %s %+dms, buffer %d/%d, frames %d, underruns %d",
		state, stream, st.Sync.State, st.Sync.OffsetMs,
		st.Buffer.Used, st.Buffer.Capacity, st.Pump.Frames, st.Pump.Underruns)
}
