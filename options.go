package netpump

import (
	"time"

	"github.com/reactorcore/netpump/config"
)

// EventLoopOption configures NewEventLoop.
type EventLoopOption struct {
	f func(*eventLoopOptions)
}

type eventLoopOptions struct {
	pollTimeoutMS int
}

func defaultEventLoopOptions() eventLoopOptions {
	return eventLoopOptions{pollTimeoutMS: defaultPollTimeoutMS}
}

// WithPollTimeoutMS overrides how long a single Poll call blocks when
// nothing is ready before the loop wakes to re-check its quit flag.
func WithPollTimeoutMS(ms int) EventLoopOption {
	return EventLoopOption{func(o *eventLoopOptions) { o.pollTimeoutMS = ms }}
}

// WithEventLoopConfigSource seeds the poll timeout from src.Current() at
// construction, instead of defaultPollTimeoutMS or WithPollTimeoutMS.
func WithEventLoopConfigSource(src *config.Source) EventLoopOption {
	return EventLoopOption{func(o *eventLoopOptions) {
		o.pollTimeoutMS = src.Current().PollTimeoutMS
	}}
}

// ServerOption configures NewTcpServer, following the same functional-
// options shape as the rest of this package's public constructors.
type ServerOption struct {
	f func(*serverOptions)
}

type serverOptions struct {
	threadCount   int
	reusePort     bool
	pollerKind    PollerKind
	highWaterMark int
	pollTimeoutMS int
	configSource  *config.Source
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		pollerKind:    PollerEpoll,
		highWaterMark: defaultHighWaterMark,
		pollTimeoutMS: defaultPollTimeoutMS,
	}
}

// WithThreadCount sets the number of worker reactors a TcpServer spawns
// for connection I/O, round-robining new connections across them. Zero
// (the default) keeps every connection on the server's own base reactor.
func WithThreadCount(n int) ServerOption {
	return ServerOption{func(o *serverOptions) { o.threadCount = n }}
}

// WithReusePort binds the server's listening socket with SO_REUSEPORT
// instead of a plain bind, so several independently-listening sockets —
// typically one per process in a pre-forked deployment — can share the
// same address with the kernel load-balancing inbound SYNs across them.
func WithReusePort(on bool) ServerOption {
	return ServerOption{func(o *serverOptions) { o.reusePort = on }}
}

// WithPollerKind selects the readiness back-end a TcpServer's worker
// reactors use. The base reactor's back-end is whatever EventLoop the
// caller passed to NewTcpServer already uses.
func WithPollerKind(kind PollerKind) ServerOption {
	return ServerOption{func(o *serverOptions) { o.pollerKind = kind }}
}

// WithServerHighWaterMark sets the server's high-water mark, in bytes.
// A later SetHighWaterMarkCallback call replaces it with that call's own
// mark, and the mark is only applied to accepted connections once such a
// callback is registered. A server built with WithServerConfigSource
// reads the mark from its config source for each accepted connection
// instead.
func WithServerHighWaterMark(bytes int) ServerOption {
	return ServerOption{func(o *serverOptions) { o.highWaterMark = bytes }}
}

// WithServerPollTimeoutMS overrides the poll timeout the server's worker
// reactors (spawned by WithThreadCount) use. It has no effect on the base
// reactor passed to NewTcpServer, whose timeout is set when it is
// constructed via NewEventLoop.
func WithServerPollTimeoutMS(ms int) ServerOption {
	return ServerOption{func(o *serverOptions) { o.pollTimeoutMS = ms }}
}

// WithServerConfigSource seeds thread-count, reuseport, high-water mark
// and worker poll timeout from src.Current() at construction, instead of
// this package's own defaults or the other With* overrides. The TcpServer
// also keeps src around and re-reads its high-water mark for every
// connection it subsequently accepts, so a hot-reloaded value applies to
// new connections without touching ones already established.
func WithServerConfigSource(src *config.Source) ServerOption {
	return ServerOption{func(o *serverOptions) {
		o.configSource = src
		cfg := src.Current()
		o.threadCount = cfg.ThreadCount
		o.reusePort = cfg.ReusePort
		o.highWaterMark = cfg.HighWaterMark
		o.pollTimeoutMS = cfg.PollTimeoutMS
	}}
}

// ClientOption configures NewTcpClient.
type ClientOption struct {
	f func(*clientOptions)
}

type clientOptions struct {
	retry bool
}

func defaultClientOptions() clientOptions {
	return clientOptions{}
}

// WithClientRetry is equivalent to calling EnableRetry immediately after
// construction: the client restarts its Connector whenever its current
// connection closes.
func WithClientRetry(on bool) ClientOption {
	return ClientOption{func(o *clientOptions) { o.retry = on }}
}

// ConnectorOption configures NewConnector.
type ConnectorOption struct {
	f func(*connectorOptions)
}

type connectorOptions struct {
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
}

// WithConnectorConfigSource seeds InitialRetryDelay/MaxRetryDelay from
// src.Current() at construction, instead of this package's own defaults
// or the other With* overrides.
func WithConnectorConfigSource(src *config.Source) ConnectorOption {
	return ConnectorOption{func(o *connectorOptions) {
		cfg := src.Current()
		o.initialRetryDelay = cfg.InitialRetryDelay
		o.maxRetryDelay = cfg.MaxRetryDelay
	}}
}

func defaultConnectorOptions() connectorOptions {
	return connectorOptions{
		initialRetryDelay: defaultInitialRetryDelay,
		maxRetryDelay:     defaultMaxRetryDelay,
	}
}

// WithInitialRetryDelay overrides the delay before a Connector's first
// reconnect attempt after a failed connect attempt.
func WithInitialRetryDelay(d time.Duration) ConnectorOption {
	return ConnectorOption{func(o *connectorOptions) { o.initialRetryDelay = d }}
}

// WithMaxRetryDelay overrides the cap the exponential back-off saturates
// at.
func WithMaxRetryDelay(d time.Duration) ConnectorOption {
	return ConnectorOption{func(o *connectorOptions) { o.maxRetryDelay = d }}
}

// ConnectionOption configures NewTcpConnection.
type ConnectionOption struct {
	f func(*connectionOptions)
}

type connectionOptions struct {
	highWaterMark int
	tcpNoDelay    bool
}

func defaultConnectionOptions() connectionOptions {
	return connectionOptions{
		highWaterMark: defaultHighWaterMark,
	}
}

// WithConnectionHighWaterMark overrides the output-buffer byte threshold
// a connection's HighWaterMarkCallback fires at, if one is registered.
func WithConnectionHighWaterMark(bytes int) ConnectionOption {
	return ConnectionOption{func(o *connectionOptions) { o.highWaterMark = bytes }}
}

// WithConnectionTCPNoDelay disables Nagle's algorithm on the connection's
// socket as soon as it is constructed.
func WithConnectionTCPNoDelay(on bool) ConnectionOption {
	return ConnectionOption{func(o *connectionOptions) { o.tcpNoDelay = on }}
}

// WithConnectionConfigSource seeds the high-water mark from src.Current()
// at construction, instead of this package's own default or
// WithConnectionHighWaterMark.
func WithConnectionConfigSource(src *config.Source) ConnectionOption {
	return ConnectionOption{func(o *connectionOptions) {
		o.highWaterMark = src.Current().HighWaterMark
	}}
}
