package obs

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// InitLogging configures the process-wide logrus logger. Services call this
// once from main; tests keep the default text output.
func InitLogging(level string) {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
