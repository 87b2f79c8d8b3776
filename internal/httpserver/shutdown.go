package httpserver

import (
	"context"
	"time"
)

// ShutdownTimeout bounds how long in-flight requests may drain on shutdown.
var ShutdownTimeout = 10 * time.Second

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ShutdownTimeout)
}
