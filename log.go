package unbuffered

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// We use this environment variable to control logging.  It should be a
// comma-separated list of log tags (see below) or "*" to enable all logging.
const logConfigVar = "UNBUFFERED_LOG"

// Pre-defined log types
const (
	logTypeCrypto      = "crypto"
	logTypeHandshake   = "handshake"
	logTypeNegotiation = "negotiation"
	logTypeRecord      = "record"
	logTypeIO          = "io"
	logTypeVerbose     = "verbose"
)

var (
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	logFunction = func(tag, msg string) {
		logger.Debug().Str("tag", tag).Msg(msg)
	}
	logAll      = false
	logSettings = map[string]bool{}
)

func init() {
	parseLogEnv(os.Environ())
}

func parseLogEnv(env []string) {
	for _, stmt := range env {
		if strings.HasPrefix(stmt, logConfigVar+"=") {
			val := stmt[len(logConfigVar)+1:]

			if val == "*" {
				logAll = true
			} else {
				for _, t := range strings.Split(val, ",") {
					logSettings[t] = true
				}
			}
		}
	}
}

// SetLogger replaces the destination for tagged log lines.
func SetLogger(l zerolog.Logger) {
	logger = l
}

func logf(tag string, format string, args ...interface{}) {
	if logAll || logSettings[tag] {
		logFunction(tag, fmt.Sprintf(format, args...))
	}
}
