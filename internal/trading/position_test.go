package trading

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/storage"
)

func newTestManager(t *testing.T) *SQLPositionManager {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Options{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db))
	return NewPositionManager(db, zaptest.NewLogger(t), time.Second)
}

func seed(t *testing.T, pm *SQLPositionManager, p model.Position) int64 {
	t.Helper()
	require.NoError(t, pm.CreatePosition(context.Background(), &p))
	return p.ID
}

func TestPositionManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t)
	opened := time.Date(2024, 4, 1, 14, 30, 0, 0, time.UTC)

	aapl := seed(t, pm, model.Position{
		Symbol: "AAPL", Direction: model.DirectionLong, EntryPrice: 100, CurrentPrice: 110,
		PositionSize: 10, OpenTime: opened, StopLoss: 95, Sector: "Technology",
	})
	seed(t, pm, model.Position{
		Symbol: "XOM", Direction: model.DirectionShort, EntryPrice: 120, CurrentPrice: 115,
		PositionSize: 4, OpenTime: opened,
	})

	open, err := pm.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "AAPL", open[0].Symbol)
	assert.True(t, open[0].OpenTime.Equal(opened))
	assert.Equal(t, model.StatusOpen, open[1].Status)

	require.NoError(t, pm.UpdateStopLoss(ctx, aapl, 102.004))
	stop, err := pm.GetStopLoss(ctx, aapl)
	require.NoError(t, err)
	assert.Equal(t, 102.0, stop)

	require.NoError(t, pm.ReducePosition(ctx, aapl, 50, "High risk score: 60.00"))
	size, err := pm.GetPositionSize(ctx, aapl)
	require.NoError(t, err)
	assert.Equal(t, 5.0, size)

	require.NoError(t, pm.ClosePosition(ctx, aapl, 100, "Severe risk score: 80.00"))
	// 重复平仓不报错
	require.NoError(t, pm.ClosePosition(ctx, aapl, 100, "Severe risk score: 80.00"))

	closed, err := pm.GetPosition(ctx, aapl)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Status)
	assert.Equal(t, 0.0, closed.PositionSize)

	open, err = pm.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "XOM", open[0].Symbol)
}

func TestPositionManager_NotFound(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t)

	_, err := pm.GetStopLoss(ctx, 404)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	err = pm.UpdateStopLoss(ctx, 404, 10)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	err = pm.ReducePosition(ctx, 404, 50, "x")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestPositionManager_InvalidInput(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t)

	assert.Error(t, pm.CreatePosition(ctx, &model.Position{Symbol: "X", Direction: "sideways"}))
	assert.Error(t, pm.ReducePosition(ctx, 1, 0, "x"))
	assert.Error(t, pm.ReducePosition(ctx, 1, 150, "x"))
}

func TestPositionManager_ListOpenPostgres(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	pm := NewPositionManager(sqlx.NewDb(mockDB, "postgres"), zaptest.NewLogger(t), time.Second)
	opened := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "symbol", "direction", "entry_price", "current_price",
		"position_size", "open_time", "stop_loss", "sector", "status"}).
		AddRow(int64(3), "MSFT", "long", 300.0, 310.0, 2.0, opened, 290.0, "", "open")
	mock.ExpectQuery(`SELECT .* FROM positions WHERE status = \$1 ORDER BY id`).
		WithArgs("open").
		WillReturnRows(rows)

	positions, err := pm.ListOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(3), positions[0].ID)
	assert.Equal(t, 290.0, positions[0].StopLoss)
	require.NoError(t, mock.ExpectationsWereMet())
}
