// Package app holds runtime state shared by the transport adapters: the
// sequenced notification hub behind the RPC event stream and the sink that
// feeds it from the presence channel.
package app
