// Command bus1-ping is the end-to-end ping/pong demo from spec.md §8
// scenario 1: two peers on a Loopback bus, one exporting a root node
// that implements org.bus1.Ping, the other calling it and printing the
// reply. Routing goes entirely through the iface/peer library — no
// hand-inlined dispatch here, just registry.Dispatch and peer.Send/Recv.
// Grounded on the teacher's cmd/peer_mockup (flag parsing, signal
// handling, logger banner), generalized from a GNUnet transport
// handshake to a bus capability call.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bfix/gospel/logger"

	"github.com/trotux/libbus1-go/iface"
	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/message"
	"github.com/trotux/libbus1-go/peer"
	"github.com/trotux/libbus1-go/reply"
	"github.com/trotux/libbus1-go/variant"
)

func main() {
	var verbose bool
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
	flag.Parse()
	if verbose {
		logger.SetLogLevel(logger.DBG)
	} else {
		logger.SetLogLevel(logger.WARN)
	}

	fmt.Println("======================================================================")
	fmt.Println("bus1-ping: capability bus ping/pong demo (in-process Loopback)")
	fmt.Println("======================================================================")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := kernel.NewBus()
	server, client, err := run(bus)
	if err != nil {
		fmt.Println("demo failed:", err)
		os.Exit(1)
	}
	defer server.Close()
	defer client.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	default:
		// demo already completed synchronously above
	}
}

// run wires a server peer implementing org.bus1.Ping and a client peer
// that calls it once, returning both peers so the caller can keep them
// alive or close them.
func run(bus *kernel.Bus) (server, client *peer.Peer, err error) {
	serverDev := kernel.NewLoopback(bus)
	server, err = peer.Open(serverDev, "")
	if err != nil {
		return nil, nil, err
	}
	clientDev := kernel.NewLoopback(bus)
	client, err = peer.Open(clientDev, "")
	if err != nil {
		server.Close()
		return nil, nil, err
	}

	registry := iface.NewRegistry()
	pingIface := iface.NewInterface("org.bus1.Ping")
	pingIface.AddMember(&iface.Member{
		Name:       "Ping",
		ArgsPrefix: "(sshs",
		Fn: func(c *iface.Context) error {
			name, err := c.Args.ReadString()
			if err != nil {
				return err
			}
			c.Reply.Writer().WriteString("pong " + name)
			fmt.Printf("server: received Ping(%q)\n", name)
			return nil
		},
	})
	if err := registry.Register(pingIface); err != nil {
		return nil, nil, err
	}

	rootID := server.Device().(*kernel.Loopback).Self()
	root := server.NewNode(rootID, "root")
	if err := root.Implement("org.bus1.Ping"); err != nil {
		return nil, nil, err
	}

	go func() {
		for {
			ev, err := server.Recv()
			if err != nil {
				return
			}
			if ev.Kind != kernel.RecvData || ev.Sealed == nil || ev.Sealed.Kind != message.KindCall {
				continue
			}
			reply, replyTo, send := registry.Dispatch(server, ev.Destination, ev.Sealed)
			if send {
				if err := server.Send([]kernel.ID{replyTo}, reply, false); err != nil {
					logger.Printf(logger.WARN, "server: reply send failed: %v", err)
				}
			}
			ev.Sealed.Drop()
		}
	}()

	replies := reply.NewTable()
	callBuilder, replyIdx := message.NewCallBuilder("org.bus1.Ping", "Ping", true)
	callBuilder.Writer().WriteString("world")
	call := callBuilder.Seal()
	defer call.Drop()

	if err := client.Send([]kernel.ID{rootID}, call, false); err != nil {
		return nil, nil, err
	}
	replyNodeID := call.HandleIDs[replyIdx]

	done := make(chan struct{})
	replies.Register(replyNodeID, "(s", func(args *variant.Reader, err error) {
		if err != nil {
			fmt.Println("client: call failed:", err)
		} else {
			s, _ := args.ReadString()
			fmt.Println("client: reply =", s)
		}
		close(done)
	})

	go func() {
		ev, err := client.Recv()
		if err != nil {
			return
		}
		if ev.Sealed == nil {
			return
		}
		replies.Dispatch(ev.Destination, ev.Sealed.Kind, ev.Sealed.Payload)
		ev.Sealed.Drop()
	}()
	<-done
	return server, client, nil
}
