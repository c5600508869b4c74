package health

import (
	"context"
	"database/sql"
	"time"
)

// pingTimeout bounds a single database probe.
const pingTimeout = 2 * time.Second

// DB reports whether db answers a ping.
func DB(name string, db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Loop reports whether a background loop (escrow sweep, replication
// engine, stream hub) is running.
func Loop(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Reporter is anything that can summarise its own health, such as the
// replication engine's last-cycle result.
type Reporter interface {
	Healthy() (bool, string)
}

// From adapts a Reporter into a Checker.
func From(name string, r Reporter) Checker {
	return func(context.Context) Status {
		ok, detail := r.Healthy()
		return Status{Name: name, Healthy: ok, Detail: detail}
	}
}
