// snet-echo is a demonstration echo server and client for the snet
// transport.  In server mode it echoes every received message back on the
// channel it arrived on; in client mode it sends a handful of messages in
// every delivery mode, including one large enough to fragment, and reports
// the measured round-trip time.
//
// Server:  snet-echo -listen :7777
// Client:  snet-echo -connect 127.0.0.1:7777
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	snet "github.com/snetproject/snet"
	"github.com/snetproject/snet/checksum"
	"github.com/snetproject/snet/eventsocket"
	"github.com/snetproject/snet/rangecoder"
	"github.com/snetproject/snet/snetsock"
	"github.com/snetproject/snet/trace"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	listenAddr  = flag.String("listen", "", "Run an echo server on this address")
	connectAddr = flag.String("connect", "", "Connect an echo client to this address")
	channels    = flag.Int("channels", 2, "Channel count for new connections")
	compress    = flag.Bool("compress", true, "Enable the range-coder compressor")
	checksums   = flag.Bool("checksum", true, "Enable CRC-32 datagram checksums")
	eventSock   = flag.String("eventsocket", "", "Unix socket path for connection event broadcast")
	traceDir    = flag.String("trace", "", "Directory for peer statistics trace files")

	ctx, cancel = context.WithCancel(context.Background())
)

func newHost(addr string, peers int) (*snet.Host, *snetsock.ConnSocket) {
	network := "udp4"
	if addr == "" {
		addr = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr(network, addr)
	rtx.Must(err, "Could not resolve %q", addr)

	conn, err := net.ListenUDP(network, udpAddr)
	rtx.Must(err, "Could not bind %q", addr)
	sock := snetsock.NewConnSocket(conn)

	host, err := snet.NewHost(sock, nil, snet.HostConfig{PeerCount: peers})
	rtx.Must(err, "Could not create host")

	if *checksums {
		host.SetChecksum(checksum.CRC32)
	}
	if *compress {
		host.SetCompressor(rangecoder.New())
	}
	return host, sock
}

// snapshotPeers builds one trace batch from every active peer.
func snapshotPeers(host *snet.Host) []*trace.Snapshot {
	var batch []*trace.Snapshot
	now := time.Now().UnixMilli()
	for i := 0; i < host.PeerCount(); i++ {
		stats := host.Peer(i).Statistics()
		if stats.ConnectID == 0 {
			continue
		}
		batch = append(batch, &trace.Snapshot{
			Timestamp:             now,
			Address:               stats.Address,
			ConnectID:             stats.ConnectID,
			State:                 stats.State.String(),
			RoundTripTime:         stats.RoundTripTime,
			RoundTripTimeVariance: stats.RoundTripTimeVariance,
			PacketLoss:            stats.PacketLoss,
			PacketThrottle:        stats.PacketThrottle,
			ReliableDataInTransit: stats.ReliableDataInTransit,
			TotalWaitingData:      stats.TotalWaitingData,
			MTU:                   stats.MTU,
			WindowSize:            stats.WindowSize,
		})
	}
	return batch
}

func runServer(events eventsocket.Server, recorder *trace.Recorder) {
	host, _ := newHost(*listenAddr, 32)
	defer host.Close()
	log.Println("Echo server listening on", host.Addr())

	lastSnapshot := time.Now()
	var event snet.Event
	for ctx.Err() == nil {
		n, err := host.Service(&event, 100)
		rtx.Must(err, "Service failed")
		if n == 1 {
			switch event.Type {
			case snet.EventConnect:
				log.Println("Peer connected from", event.Peer.Address())
				events.PeerConnected(time.Now(), event.Peer.Address().String(), event.Peer.ConnectID(), event.Data)
			case snet.EventDisconnect:
				log.Println("Peer disconnected")
				events.PeerDisconnected(time.Now(), "", 0, event.Data)
			case snet.EventReceive:
				echo := snet.NewPacket(event.Packet.Data, snet.PacketFlagReliable)
				if err := event.Peer.Send(event.ChannelID, echo); err != nil {
					log.Println("Echo failed:", err)
				}
				event.Packet.Destroy()
			}
		}

		if recorder != nil && time.Since(lastSnapshot) >= time.Second {
			recorder.AddBatch(snapshotPeers(host))
			lastSnapshot = time.Now()
		}
	}
}

func runClient() {
	host, _ := newHost("", 1)
	defer host.Close()

	serverAddr, err := net.ResolveUDPAddr("udp4", *connectAddr)
	rtx.Must(err, "Could not resolve %q", *connectAddr)

	peer, err := host.Connect(serverAddr, *channels, 0)
	rtx.Must(err, "Could not start connection")

	payloads := [][]byte{
		[]byte("reliable hello"),
		[]byte("unreliable hello"),
		[]byte("unsequenced hello"),
		make([]byte, 8192), // fragments
	}
	for i := range payloads[3] {
		payloads[3][i] = byte(i)
	}

	sent := false
	received := 0
	deadline := time.Now().Add(30 * time.Second)

	var event snet.Event
	for time.Now().Before(deadline) {
		n, err := host.Service(&event, 100)
		rtx.Must(err, "Service failed")
		if n != 1 {
			continue
		}

		switch event.Type {
		case snet.EventConnect:
			log.Printf("Connected; RTT estimate %d ms", peer.RoundTripTime())
			rtx.Must(peer.Send(0, snet.NewPacket(payloads[0], snet.PacketFlagReliable)), "send")
			rtx.Must(peer.Send(0, snet.NewPacket(payloads[1], 0)), "send")
			rtx.Must(peer.Send(1, snet.NewPacket(payloads[2], snet.PacketFlagUnsequenced)), "send")
			rtx.Must(peer.Send(0, snet.NewPacket(payloads[3], snet.PacketFlagReliable)), "send")
			sent = true

		case snet.EventReceive:
			received++
			log.Printf("Echoed %d bytes on channel %d (RTT %d ms)",
				len(event.Packet.Data), event.ChannelID, peer.RoundTripTime())
			event.Packet.Destroy()
			// The two reliable echoes are guaranteed; unreliable ones may
			// legitimately be dropped.
			if sent && received >= 2 {
				peer.DisconnectLater(0)
			}

		case snet.EventDisconnect:
			log.Println("Disconnected cleanly")
			return
		}
	}
	log.Fatal("Client timed out")
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	if (*listenAddr == "") == (*connectAddr == "") {
		log.Fatal("Pass exactly one of -listen or -connect")
	}

	defer cancel()
	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Shutdown(ctx)

	events := eventsocket.NullServer()
	if *eventSock != "" {
		events = eventsocket.New(*eventSock)
		rtx.Must(events.Listen(), "Could not listen on %q", *eventSock)
		go events.Serve(ctx)
	}

	var recorder *trace.Recorder
	if *traceDir != "" {
		recorder = trace.New(*traceDir, 2)
		defer recorder.Close()
	}

	if *listenAddr != "" {
		runServer(events, recorder)
	} else {
		runClient()
	}
}
