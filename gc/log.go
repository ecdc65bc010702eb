package gc

import "github.com/tliron/commonlog"

// log resolves the package logger at call time so that a backend selected
// by the program after package initialization is honored.
func log() commonlog.Logger {
	return commonlog.GetLogger("marrow.gc")
}
