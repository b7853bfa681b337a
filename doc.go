/*
Package prefork provides a preforking HTTP application server for Go.

A master process binds the listening sockets once, then supervises a pool of
worker processes that all accept from the same kernel accept queue. Each
worker parses requests incrementally and hands them to a single synchronous
application handler through a WSGI-style gateway contract. Workers retire
themselves after a fixed number of connections and the master replaces them,
bounding per-process resource growth.

Features

  - Preforking process model: shared listening sockets, kernel-arbitrated
    load distribution, no coordination between workers
  - Signal-driven supervision: HUP reloads the whole pool, TTIN/TTOU scale
    the desired worker count, TERM/INT/QUIT stop the server
  - Incremental HTTP/1.x parsing: callback-driven, chunk-fed, with
    Expect: 100-continue interim responses and chunked request bodies
  - Gateway contract: one-shot response start with explicit error recovery,
    lazily streamed bodies, synthesized 500 on handler failure
  - Endpoint flexibility: TCP host:port or UNIX socket paths, explicit
    listen backlog, pre-bound socket handoff via SERVER_STARTER_PORT
  - Operational surface: privilege drop, PID file, daemonization, admin
    socket with a preforkctl control client

Quick Start

Basic usage example:

	package main

	import (
	    "github.com/searchktools/prefork/app"
	    "github.com/searchktools/prefork/config"
	    "github.com/searchktools/prefork/core/gateway"
	    corehttp "github.com/searchktools/prefork/core/http"
	)

	func handler(req *corehttp.RequestContext, resp *gateway.ResponseStarter) (gateway.Body, error) {
	    err := resp.Start("200 OK", []corehttp.Header{
	        {Name: "Content-Type", Value: "text/plain"},
	        {Name: "Content-Length", Value: "7"},
	    })
	    if err != nil {
	        return nil, err
	    }
	    return gateway.StringBody("hello\r\n"), nil
	}

	func main() {
	    cfg := config.New()
	    app.New(cfg, handler).Run()
	}

Modules

The server is organized into several modules:

  - app: process role dispatch and lifecycle (master or worker)
  - config: configuration flags and defaults
  - core/master: the supervision control plane
  - core/worker: the per-process accept-and-serve loop
  - core/http: incremental request parsing and the request context
  - core/gateway: the application request/response bridge
  - core/endpoint: socket binding, inheritance, and supervisor handoff
  - core/ctrl: the admin control protocol and client
  - core/pools: buffer pooling for the read loop
  - cmd/preforkctl: the control CLI

For more information, see https://github.com/searchktools/prefork
*/
package prefork
