package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	logs "github.com/danmuck/tcphub/internal/logging"
)

// InitLogger configures the runtime logger and returns a child tagged with app. The child also
// becomes the zerolog global so library code using zerolog/log shares the same output.
func InitLogger(app string) zerolog.Logger {
	logs.ConfigureRuntime()
	logger := logs.Logger().With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
