package env

import (
	"github.com/thatsimonsguy/fluidics-controller/internal/config"
)

var Cfg *config.Config
