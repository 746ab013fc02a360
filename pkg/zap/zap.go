/*

Package `zap` wraps Zap logging.

We use the convenience sugared logger `Levelw(msg, kv...)` functions.
`NewProduction()` logs JSON at info level.  `NewDevelopment()` logs
human-readable console lines at debug level.  Both write to stderr, so that
stdout stays free for the success banner.

*/
package zap

import (
	"go.uber.org/zap"
)

type Logger = zap.SugaredLogger

func NewProduction() (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func NewDevelopment() (*Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
