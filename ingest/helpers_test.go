package ingest

import "ingestmgr.evalgo.org/ingestlog"

func ingestTestLogger() *ingestlog.Logger {
	return ingestlog.NewComponentLogger(ingestlog.New(ingestlog.DefaultConfig()), "test")
}
