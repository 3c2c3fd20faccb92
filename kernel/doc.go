// Package kernel implements the proxy side of a remote kernel connection.
//
// A Proxy presents a kernel that runs in another process as if it were local. Commands
// submitted to the proxy are written to the connection; a background run loop reads the
// events the remote kernel sends back, republishes every one of them to subscribers and
// resolves the submission each terminal event belongs to.
//
// # State Machine
//
//	Connecting → Open → Draining → Closed
//	     ↓        ↓        ↓
//	     └─────→ Faulted ←─┘
//
// State transitions:
//   - Connecting: initial state; with WithReadyHandshake the proxy waits here for the
//     remote's KernelReady event
//   - Open: submissions are accepted
//   - Draining: Shutdown was called; pending submissions may still complete
//   - Closed: the run loop ended after a clean close or a local Shutdown/Close
//   - Faulted: the connection failed; Err reports why
//
// Closed and Faulted are terminal. Entering either resolves every pending submission,
// with OutcomeDisconnected or OutcomeConnectionFaulted respectively, so no caller waits
// forever.
//
// # Usage
//
//	proxy := kernel.New("python", receiver, sender, kernel.WithCloser(conn))
//	defer proxy.Close()
//
//	unsubscribe := proxy.Subscribe(func(ev *envelope.Event) {
//	    fmt.Println(ev.Type)
//	})
//	defer unsubscribe()
//
//	cmd, _ := envelope.NewCommand(envelope.CommandSubmitCode, envelope.SubmitCode{Code: "1+1"})
//	outcome, err := proxy.Submit(ctx, cmd)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := outcome.AsError(); err != nil {
//	    log.Fatal(err)
//	}
package kernel
