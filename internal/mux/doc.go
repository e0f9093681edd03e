// Package mux implements the Channel Multiplexer.
//
// Many logical subscribers attach to named channels over a small number of
// shared connections. The first subscriber of a (connection, channel) pair
// issues the single wire-level subscribe; later subscribers join it. Inbound
// data frames are fanned out to matching subscribers through the batched
// dispatcher, and channel subscriptions are re-armed transparently when the
// connection reconnects.
//
// Mux is also the composition root of the package tree: it owns the
// dispatcher and exposes Subscribe, Send, OnConnectionStatus and Close.
package mux
