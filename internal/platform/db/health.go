package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Checker is a database that can report liveness and pool statistics.
type Checker interface {
	Ping(ctx context.Context) error
	Stats() *PoolStats
}

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	Driver        string `json:"driver"`
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	Healthy       bool   `json:"healthy"`
}

// PGChecker adapts a pgx pool to Checker.
type PGChecker struct{ Pool *pgxpool.Pool }

func (p PGChecker) Ping(ctx context.Context) error { return p.Pool.Ping(ctx) }

func (p PGChecker) Stats() *PoolStats {
	stat := p.Pool.Stat()
	return &PoolStats{
		Driver:        string(DialectPostgres),
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		Healthy:       stat.TotalConns() > 0,
	}
}

// SQLChecker adapts a database/sql handle to Checker.
type SQLChecker struct{ DB *sql.DB }

func (s SQLChecker) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s SQLChecker) Stats() *PoolStats {
	stat := s.DB.Stats()
	return &PoolStats{
		Driver:        string(DialectSQLite),
		TotalConns:    int32(stat.OpenConnections),
		IdleConns:     int32(stat.Idle),
		AcquiredConns: int32(stat.InUse),
		MaxConns:      int32(stat.MaxOpenConnections),
		Healthy:       true,
	}
}

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(checker Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := checker.Ping(ctx)
		stats := checker.Stats()

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"pool":   stats,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
