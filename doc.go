// Package mqtt311 implements an MQTT 3.1.1 broker protocol engine.
//
// This package implements the MQTT Version 3.1.1 OASIS Standard:
// https://docs.oasis-open.org/mqtt/mqtt/v3.1.1/mqtt-v3.1.1.html
//
// # Features
//
//   - All 14 MQTT 3.1.1 control packet types
//   - QoS 0, 1, 2 delivery with per-session state machines
//   - Topic matching with wildcard support (+, #) and $-topic rules
//   - Persistent sessions (CleanSession=0) with pluggable storage
//   - Transport: TCP, TLS, Unix sockets, WebSocket, QUIC and pushed bytes
//
// # Packets
//
// Use ReadPacket and WritePacket on blocking streams, or DecodePacket on a
// byte buffer that may hold a partial packet:
//
//	pkt, n, err := mqtt311.ReadPacket(conn, maxPacketSize)
//
//	pkt, n, err := mqtt311.DecodePacket(buf, maxPacketSize)
//	if errors.Is(err, mqtt311.ErrIncomplete) {
//	    // wait for more bytes
//	}
//
// Every decode error unwraps to one of ErrIncomplete, ErrMalformedPacket,
// ErrProtocolViolation or ErrPolicyRejection.
//
// # Server
//
//	srv := mqtt311.NewServer(
//	    mqtt311.WithAuthenticator(auth),
//	    mqtt311.WithSessionStore(store),
//	)
//	srv.Start()
//	defer srv.Close()
//
//	l, _ := mqtt311.NewTCPListener(":1883")
//	srv.Serve(l)
//
// Event-loop transports register a connection and push bytes into it:
//
//	conn := srv.NewConnection(link)
//	conn.Feed(data)
//	conn.Close(nil)
//
// # Known gaps
//
// Retained messages are not stored or replayed, and will messages are kept
// on the connection but not published.
package mqtt311
