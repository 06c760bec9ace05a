package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/config"
	"github.com/ehr/edflow/internal/domain/emergency"
	"github.com/ehr/edflow/internal/platform/telemetry"
	"github.com/ehr/edflow/internal/platform/websocket"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(cfg.Level()).With().Timestamp().Str("service", "edflow").Logger()
}

type boardSource interface {
	GetPatientTrackingBoard(ctx context.Context) ([]emergency.BoardRow, error)
}

// boardSnapshot sends the current tracking board to clients subscribing to
// the board topic, so a freshly opened screen is not blank until the next
// change.
func boardSnapshot(src boardSource) websocket.SnapshotFunc {
	return func(ctx context.Context, topics []string) ([]websocket.Event, error) {
		wanted := false
		for _, t := range topics {
			if t == emergency.TopicBoard {
				wanted = true
				break
			}
		}
		if !wanted {
			return nil, nil
		}
		rows, err := src.GetPatientTrackingBoard(ctx)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []emergency.BoardRow{}
		}
		raw, err := json.Marshal(rows)
		if err != nil {
			return nil, err
		}
		return []websocket.Event{{
			Type:         "board.snapshot",
			Topic:        emergency.TopicBoard,
			ResourceType: "TrackingBoard",
			Timestamp:    time.Now().UTC(),
			Data:         raw,
		}}, nil
	}
}

func registerGauges(tp *telemetry.TelemetryProvider, hub *websocket.Hub, pool *pgxpool.Pool) error {
	if err := tp.RegisterGaugeFunc("websocket_clients", "Connected tracking board clients.", func() float64 {
		return float64(hub.ClientCount())
	}); err != nil {
		return err
	}
	if err := tp.RegisterGaugeFunc("websocket_dropped_events", "Events dropped for slow websocket clients since start.", func() float64 {
		return float64(hub.Dropped())
	}); err != nil {
		return err
	}
	if pool != nil {
		hm := tp.HealthMetrics()
		go func() {
			t := time.NewTicker(15 * time.Second)
			defer t.Stop()
			for range t.C {
				st := pool.Stat()
				hm.SetDBPoolActive(int64(st.AcquiredConns()))
				hm.SetDBPoolIdle(int64(st.IdleConns()))
			}
		}()
	}
	return nil
}

// readyHandler reports 503 until every configured backend is reachable.
func readyHandler(pool *pgxpool.Pool, conn *amqp.Connection) echo.HandlerFunc {
	return func(c echo.Context) error {
		checks := map[string]string{}
		ok := true
		if pool != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				checks["database"] = err.Error()
				ok = false
			} else {
				checks["database"] = "ok"
			}
		}
		if conn != nil {
			if conn.IsClosed() {
				checks["order_broker"] = "connection closed"
				ok = false
			} else {
				checks["order_broker"] = "ok"
			}
		}
		if !ok {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "checks": checks})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ready", "checks": checks})
	}
}
