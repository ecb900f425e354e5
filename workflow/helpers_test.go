package workflow_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/mmdatafocus/panel_ledger/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []config.LedgerNotification
}

func (n *recordingNotifier) Notify(_ context.Context, msg config.LedgerNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) events(event string) []config.LedgerNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []config.LedgerNotification
	for _, m := range n.msgs {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:wf_%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), config.InitConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, config.InstallLedgerPlugins(db))
	require.NoError(t, models.AutoMigrateLedger(db))
	return db
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestLedger(t *testing.T, clock *testClock, opts ...workflow.Option) (*workflow.Ledger, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	opts = append([]workflow.Option{workflow.WithClock(clock.Now)}, opts...)
	return workflow.New(db, quietLogger(), opts...), db
}

func at(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return ts.UTC()
}

func day(s string) time.Time {
	d, err := utils.ParseLedgerDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func requireDecimal(t *testing.T, want int64, got decimal.Decimal, label string) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "%s: want %d, got %s", label, want, got.String())
}

func createEntity(t *testing.T, l *workflow.Ledger, entityType models.EntityType, name string, opening int64) *models.Entity {
	t.Helper()
	offset := 0
	entity, err := l.CreateEntity(context.Background(), &models.NewEntity{
		EntityType:       entityType,
		Name:             name,
		UtcOffsetMinutes: &offset,
		OpeningBalance:   dec(opening),
	})
	require.NoError(t, err)
	return entity
}

func entry(amount int64, ref string) workflow.EntryInput {
	return workflow.EntryInput{Amount: dec(amount), ReferenceType: "test", ReferenceId: ref}
}

func entryAt(amount int64, ref string, occurredAt time.Time) workflow.EntryInput {
	in := entry(amount, ref)
	in.OccurredAt = &occurredAt
	return in
}
