package drc

import "github.com/tliron/commonlog"

func log() commonlog.Logger {
	return commonlog.GetLogger("marrow.drc")
}
