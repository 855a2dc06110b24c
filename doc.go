// Package nepsign provides a signing oracle backed by a foreign native module.
//
// The signing routine is not reimplemented. Instead the precompiled module is
// loaded into an emulated guest, and its two entry points are invoked through
// a bridge that marshals host strings into the guest object model and decodes
// the returned reference.
//
// # Architecture Overview
//
//	nepsign/             Root package with shared Ref, Module and CallFrame types
//	├── resource/        Guest object table with local reference frames
//	├── engine/          wazero-backed guest VM and JNI-shaped host module
//	├── bridge/          Resolver, marshaller, invocation strategy, call-out shim
//	├── signer/          POST and GET signing facade
//	├── server/          HTTP transport
//	├── config/          Configuration loading
//	├── errors/          Structured error types
//	└── cmd/nepsign/     Command line entry point
//
// # Quick Start
//
//	vm, err := engine.Load(ctx, engine.Options{Path: "libnep.wasm"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	b, err := bridge.New(ctx, bridge.Config{Offsets: offsets}, bridge.Static(vm))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close(ctx)
//
//	res := signer.New(b).SignPost(ctx, url, body)
//	fmt.Println(res.SignedURL)
//
// # Thread Safety
//
// The guest VM is not safe for concurrent use. The bridge serializes every
// request behind a single lock, so the signer and the HTTP server may be
// called from any number of goroutines.
package nepsign
