package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process-wide zap logger. Development gets the
// human-readable console encoder, everything else JSON.
func New(environment string) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)

	if environment == "development" || environment == "test" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return log, nil
}
