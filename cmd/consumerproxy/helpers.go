package main

import (
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gcash/bchlog"

	"github.com/subquery/payg-gateway/internal/chanlog"
)

const httpShutdownTimeout = 5 * time.Second

func commonHex(s string) common.Address {
	return common.HexToAddress(s)
}

// devLoggers builds a stdout-backed logger for every subsystem, used
// only when --dev is set; see cmd/indexerproxy/helpers.go for the
// indexer-side twin of this function.
func devLoggers() map[string]bchlog.Logger {
	backend := bchlog.NewBackend(os.Stdout)
	loggers := make(map[string]bchlog.Logger)
	for _, tag := range []string{
		chanlog.TagService, chanlog.TagStore, chanlog.TagP2PRPC, chanlog.TagP2PGroup,
		chanlog.TagNode, chanlog.TagHTTP, chanlog.TagCoord, chanlog.TagChain, chanlog.TagRPCSrv,
	} {
		l := backend.Logger(tag)
		l.SetLevel(bchlog.LevelDebug)
		loggers[tag] = l
	}
	return loggers
}
