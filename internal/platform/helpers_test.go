package platform

import "github.com/JonnyShabli/mediagrab/pkg/logster"

func nopLogger() logster.Logger {
	return logster.NewNop()
}
