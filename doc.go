// Package kernelproxy is a pure Go client for kernels running in another process.
//
// A kernel executes code and answers language-service queries. The proxy sends it
// commands over a byte stream or message connection and receives a stream of events
// describing progress and outcome. Every command is closed out exactly once: by a
// terminal event from the kernel, or by the connection closing or failing first.
//
// # Architecture
//
// The library is organized into layers:
//
//   - kernel: Proxy, the client-side state machine and submission tracking
//   - kernelhost: the serving side, runs a Kernel for a remote proxy
//   - connection: Sender and Receiver, envelope transport over frames
//   - envelope: command and event types and their JSON wire form
//   - framing: chunked, line-delimited and message framing
//   - connect: configuration, named pipe, websocket and process transports
//
// # Basic Usage
//
//	cfg, err := connect.LoadConfig()
//	if err != nil {
//	    return err
//	}
//	proxy, err := connect.NamedPipe(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer proxy.Shutdown(context.Background())
//
//	cmd, _ := envelope.NewCommand(envelope.CommandSubmitCode, envelope.SubmitCode{Code: "1+1"})
//	outcome, err := proxy.Submit(ctx, cmd)
//	if err != nil {
//	    return err
//	}
//	if err := outcome.AsError(); err != nil {
//	    return err
//	}
//
// # Transports
//
// The kernel package does not dial anything itself. It works over any
// connection.Receiver and connection.Sender, so consumers may bring their own
// transport:
//
//   - Named pipes: unix domain sockets, chunked or line framing
//   - WebSocket: one envelope per text message
//   - Child processes: the kernel's stdin and stdout
package kernelproxy

// Version is the library version.
const Version = "0.1.0-dev"
