package app

const (
	Name           = "meshbot"
	ConfigFilename = "config.yaml"
	DBFilename     = "app.db"
	LogFilename    = "app.log"
)
