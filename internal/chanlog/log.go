// Package chanlog holds the package-scoped loggers shared by the rest of
// this module. Each subsystem gets its own disabled-by-default logger
// variable here, and a single UseLoggers call installs backends for them
// by tag, adapted from gcash/bchwallet's per-package logging.
package chanlog

import "github.com/gcash/bchlog"

// Subsystem tags, used as the prefix when a backend multiplexes by
// subsystem (e.g. btclog's subsystem-tagged writer).
const (
	TagService  = "SERV"
	TagStore    = "STOR"
	TagP2PRPC   = "PRPC"
	TagP2PGroup = "PGRP"
	TagNode     = "NODE"
	TagHTTP     = "HTTP"
	TagCoord    = "COOR"
	TagChain    = "CHAN"
	TagRPCSrv   = "JRPC"
)

var (
	Service  = bchlog.Disabled
	Store    = bchlog.Disabled
	P2PRPC   = bchlog.Disabled
	P2PGroup = bchlog.Disabled
	Node     = bchlog.Disabled
	HTTP     = bchlog.Disabled
	Coord    = bchlog.Disabled
	Chain    = bchlog.Disabled
	RPCSrv   = bchlog.Disabled
)

// UseLoggers installs a concrete backend for every subsystem logger at
// once, keyed by the Tag* constants above. Backends not present in the
// map are left disabled.
func UseLoggers(backends map[string]bchlog.Logger) {
	set := func(tag string, dst *bchlog.Logger) {
		if l, ok := backends[tag]; ok {
			*dst = l
		}
	}
	set(TagService, &Service)
	set(TagStore, &Store)
	set(TagP2PRPC, &P2PRPC)
	set(TagP2PGroup, &P2PGroup)
	set(TagNode, &Node)
	set(TagHTTP, &HTTP)
	set(TagCoord, &Coord)
	set(TagChain, &Chain)
	set(TagRPCSrv, &RPCSrv)
}
