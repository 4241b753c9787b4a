// Package autoload initializes the global logger from the LOG_*
// environment on import. Import for side effects from main.
package autoload

import (
	configx "github.com/jirayu/concierge/pkg/config"
	logx "github.com/jirayu/concierge/pkg/logger"
)

func init() {
	conf := configx.MustNew[logx.Config]("log")
	logx.Init(*conf)
}
