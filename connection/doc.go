// Package connection turns a framed duplex stream into typed envelope traffic.
//
// A Sender wraps the outbound half: it encodes commands or events and writes each as one
// complete frame. Concurrent sends never interleave their bytes; the encode-and-write
// step is a single critical section. The first write failure is sticky, since a
// partially written frame leaves the stream out of sync.
//
// A Receiver wraps the inbound half: it yields decoded envelopes one at a time, in wire
// order, to a single consumer. Malformed messages are reported per item and do not end
// the sequence; a clean close ends it without error; a read or framing failure ends it
// with a *TransportReadError.
//
// # Usage
//
//	conn, _ := net.Dial("unix", path)
//	fr, fw, _ := framing.NewStream(framing.ModeChunked, conn, conn, 0)
//
//	sender := connection.NewSender(fw)
//	receiver := connection.NewReceiver(fr)
//
//	_ = sender.Send(ctx, cmd)
//	for env, err := range receiver.All() {
//	    ...
//	}
package connection
