// Package client talks to the REST control API of a running HAR-recording
// proxy. A Manager creates, lists and closes proxies; each Proxy is one
// session with its own data-plane port and HAR.
//
// # Basic Usage
//
//	manager, err := client.NewManager(ctx, "localhost", 8080)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	proxy, err := manager.CreateProxy(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer proxy.Close(ctx)
//
//	// Point the browser at proxy.AsHostAndPort(), then:
//	proxy.NewHarWithPageRef(ctx, "login")
//	// ... drive the browser ...
//	proxy.NewPage(ctx, "dashboard")
//	// ... drive the browser ...
//	proxy.HarToFile(ctx, "/tmp", "session.har")
//
// # Configuration Options
//
//	manager, err := client.NewManager(ctx, "localhost", 8080,
//		client.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
//		client.WithLogger(logger),
//		client.WithRecorder(ledger),
//	)
//
// # Error Handling
//
// Every error is a *types.Error. Use the predicates in package types to
// tell connection failures, unexpected HTTP statuses and malformed bodies
// apart:
//
//	if _, err := manager.OpenProxies(ctx); types.IsUnableToConnectError(err) {
//		// The control endpoint is not running.
//	}
//
// A closed Proxy rejects every further call, including a second Close,
// with an IllegalState error.
//
// # Testing
//
// FakeServer serves the control API in memory so code built on this
// package can be tested without a real proxy:
//
//	fake := client.NewFakeServer()
//	fake.Start()
//	defer fake.Close()
//
//	manager, _ := client.NewManager(ctx, fake.Host(), fake.Port())
package client
