package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"spin.casa/matchcore/clock"
	"spin.casa/matchcore/command"
	"spin.casa/matchcore/config"
	"spin.casa/matchcore/notify"
	"spin.casa/matchcore/scheduler"
	"spin.casa/matchcore/store"
)

// backgroundLogger gives the scheduler's tick loop somewhere to log to
// that isn't tied to a single RPC's runtime.Logger. Modeled on the
// console-writer half of the pack's zerolog setup, minus the file
// rotation and dotenv loading a standalone CLI needs but a Nakama
// plugin process does not.
func backgroundLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", "matchcore_scheduler").
		Logger()
}

func InitModule(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, initializer runtime.Initializer) error {
	initStart := time.Now()

	tuning, err := config.Load()
	if err != nil {
		logger.Error("Failed to load matchmaking tuning: %v", err)
		return err
	}
	logger.Info("Loaded matchmaking tuning: vote_window=%ds match_tick=%ds batch_size=%d",
		tuning.VoteWindowSeconds, tuning.MatchTickSeconds, tuning.BatchSize)

	st := store.NewPostgres(db)
	clk := clock.Real{}
	pub := notify.NewPublisher(nk, logger)

	svc := command.New(st, tuning, clk, pub)
	rpcs := command.NewRPCs(svc)

	registrations := []struct {
		id string
		fn func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error)
	}{
		{"mm_spin", rpcs.Spin},
		{"mm_heartbeat", rpcs.Heartbeat},
		{"mm_acknowledge", rpcs.Acknowledge},
		{"mm_vote", rpcs.Vote},
		{"mm_disconnect", rpcs.Disconnect},
		{"mm_date_ended", rpcs.DateEnded},
		{"mm_get_match_status", rpcs.GetMatchStatus},
		{"mm_admin_queue_snapshot", rpcs.GetQueueSnapshot},
	}
	for _, r := range registrations {
		if err := initializer.RegisterRpc(r.id, r.fn); err != nil {
			logger.Error("Unable to register %s: %v", r.id, err)
			return err
		}
	}

	metrics := scheduler.NewMetrics(prometheus.DefaultRegisterer)
	sched := scheduler.New(st, tuning, clk, pub, backgroundLogger(), metrics)

	// Nakama gives InitModule no long-lived context of its own; the
	// scheduler's background ticks run for the life of the process and
	// are cancelled only on plugin unload, which Nakama does not signal
	// to modules today. Any goroutine a plugin starts from InitModule
	// carries the same caveat.
	go func() {
		if err := sched.Run(context.Background()); err != nil {
			logger.Error("Matchmaking scheduler stopped: %v", err)
		}
	}()

	logger.Info("Matchmaking core loaded in '%d' msec.", time.Since(initStart).Milliseconds())
	return nil
}
