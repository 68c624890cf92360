package tokenpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"nano-banana-proxy/internal/config"
	"nano-banana-proxy/internal/domain/entity"
	"nano-banana-proxy/internal/domain/service"
	"nano-banana-proxy/internal/infrastructure/messaging"
	"nano-banana-proxy/internal/infrastructure/persistence/postgres"
	apperrors "nano-banana-proxy/pkg/errors"
)

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []*messaging.TokenAlertMessage
}

func (f *fakeAlerter) PublishTokenAlert(_ context.Context, msg *messaging.TokenAlertMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, msg)
	return "0-1", nil
}

func newTestPool(t *testing.T) (*Pool, *gorm.DB, *fakeAlerter) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// 内存库随连接销毁，收紧到单连接保证所有操作看到同一个库
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&entity.Token{}))

	client := postgres.NewClientWithDB(db)
	alerter := &fakeAlerter{}
	pool := NewPool(
		postgres.NewTokenRepository(client),
		postgres.NewTxManager(client),
		alerter,
		&config.DispatchConfig{
			CoolThreshold:    3,
			DisableThreshold: 10,
			CoolDuration:     5 * time.Minute,
		},
	)
	return pool, db, alerter
}

func createToken(t *testing.T, db *gorm.DB, name string, priority int, totalRequests int64) *entity.Token {
	t.Helper()
	token := &entity.Token{
		Name:          name,
		KeyCiphertext: "ciphertext",
		KeyMask:       "AIza...key1",
		Priority:      priority,
		IsActive:      true,
		TotalRequests: totalRequests,
	}
	require.NoError(t, db.Create(token).Error)
	return token
}

func TestListCandidatesOrdering(t *testing.T) {
	pool, db, _ := newTestPool(t)
	ctx := context.Background()

	// 高优先级优先，同优先级按累计请求数升序
	createToken(t, db, "busy-high", 10, 3)
	createToken(t, db, "idle-high", 10, 1)
	createToken(t, db, "low", 5, 0)

	candidates, err := pool.ListCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, "idle-high", candidates[0].Name)
	assert.Equal(t, "busy-high", candidates[1].Name)
	assert.Equal(t, "low", candidates[2].Name)
}

func TestListCandidatesExcludesUnavailable(t *testing.T) {
	pool, db, _ := newTestPool(t)
	ctx := context.Background()

	disabled := createToken(t, db, "disabled", 10, 0)
	require.NoError(t, db.Model(disabled).Update("is_active", false).Error)

	cooling := createToken(t, db, "cooling", 10, 0)
	until := time.Now().Add(time.Minute)
	require.NoError(t, db.Model(cooling).Update("cooldown_until", until).Error)

	expired := createToken(t, db, "cooldown-expired", 5, 0)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(expired).Update("cooldown_until", past).Error)

	candidates, err := pool.ListCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "cooldown-expired", candidates[0].Name)
}

func TestListCandidatesEmpty(t *testing.T) {
	pool, _, _ := newTestPool(t)

	_, err := pool.ListCandidates(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoTokensAvailable)
}

func TestRecordSuccessResetsFailureState(t *testing.T) {
	pool, db, _ := newTestPool(t)
	ctx := context.Background()

	token := createToken(t, db, "recovering", 10, 5)
	until := time.Now().Add(time.Minute)
	failedAt := time.Now()
	require.NoError(t, db.Model(token).Updates(map[string]any{
		"failure_count":   2,
		"cooldown_until":  until,
		"last_failure_at": failedAt,
	}).Error)

	require.NoError(t, pool.RecordSuccess(ctx, token.ID))

	var got entity.Token
	require.NoError(t, db.First(&got, "id = ?", token.ID).Error)
	assert.Zero(t, got.FailureCount)
	assert.Nil(t, got.CooldownUntil)
	assert.Nil(t, got.LastFailureAt)
	assert.Equal(t, int64(6), got.TotalRequests)
	assert.NotNil(t, got.LastUsedAt)
	assert.True(t, got.IsActive)
}

func TestRecordFailureCooldownAtThreshold(t *testing.T) {
	pool, db, alerter := newTestPool(t)
	ctx := context.Background()

	token := createToken(t, db, "flaky", 10, 0)

	for i := 0; i < 2; i++ {
		require.NoError(t, pool.RecordFailure(ctx, token.ID, service.CategoryServerError, "upstream 503"))
	}
	var got entity.Token
	require.NoError(t, db.First(&got, "id = ?", token.ID).Error)
	assert.Equal(t, 2, got.FailureCount)
	assert.Nil(t, got.CooldownUntil)

	// 第三次失败触发冷却
	require.NoError(t, pool.RecordFailure(ctx, token.ID, service.CategoryServerError, "upstream 503"))
	require.NoError(t, db.First(&got, "id = ?", token.ID).Error)
	assert.Equal(t, 3, got.FailureCount)
	require.NotNil(t, got.CooldownUntil)
	assert.True(t, got.CooldownUntil.After(time.Now()))
	assert.True(t, got.IsActive)
	assert.Empty(t, alerter.alerts)
}

func TestRecordFailureDisableOnQuotaExhausted(t *testing.T) {
	pool, db, alerter := newTestPool(t)
	ctx := context.Background()

	token := createToken(t, db, "exhausted", 10, 0)
	require.NoError(t, pool.RecordFailure(ctx, token.ID, service.CategoryQuotaExhausted, "quota exceeded"))

	var got entity.Token
	require.NoError(t, db.First(&got, "id = ?", token.ID).Error)
	assert.False(t, got.IsActive)
	assert.Equal(t, "0", got.RemainingQuota)

	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, messaging.CauseExhausted, alerter.alerts[0].Cause)
	assert.Equal(t, token.ID, alerter.alerts[0].TokenID)
	assert.Equal(t, "quota exceeded", alerter.alerts[0].SanitizedError)
}

func TestRecordFailureAuthFailureCountsLikeOtherFailures(t *testing.T) {
	pool, db, alerter := newTestPool(t)
	ctx := context.Background()

	// 鉴权失败走计数链：单次不停用，达到冷却阈值先冷却
	token := createToken(t, db, "revoked", 10, 0)
	require.NoError(t, pool.RecordFailure(ctx, token.ID, service.CategoryAuthFailure, "invalid api key"))

	var got entity.Token
	require.NoError(t, db.First(&got, "id = ?", token.ID).Error)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.FailureCount)
	assert.Empty(t, alerter.alerts)

	for i := 0; i < 2; i++ {
		require.NoError(t, pool.RecordFailure(ctx, token.ID, service.CategoryAuthFailure, "invalid api key"))
	}
	require.NoError(t, db.First(&got, "id = ?", token.ID).Error)
	assert.True(t, got.IsActive)
	assert.NotNil(t, got.CooldownUntil)

	// 累计到停用阈值才停用，原因记为 auth_failed
	for i := 0; i < 7; i++ {
		require.NoError(t, pool.RecordFailure(ctx, token.ID, service.CategoryAuthFailure, "invalid api key"))
	}
	require.NoError(t, db.First(&got, "id = ?", token.ID).Error)
	assert.False(t, got.IsActive)
	assert.Equal(t, 10, got.FailureCount)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, messaging.CauseAuthFailed, alerter.alerts[0].Cause)
}

func TestRecordFailureDisableAtFaultyThreshold(t *testing.T) {
	pool, db, alerter := newTestPool(t)
	ctx := context.Background()

	token := createToken(t, db, "dying", 10, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.RecordFailure(ctx, token.ID, service.CategoryTimeout, "deadline exceeded"))
	}

	var got entity.Token
	require.NoError(t, db.First(&got, "id = ?", token.ID).Error)
	assert.False(t, got.IsActive)
	assert.Equal(t, 10, got.FailureCount)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, messaging.CauseFaulty, alerter.alerts[0].Cause)
}

func TestNextState(t *testing.T) {
	tests := []struct {
		name         string
		category     service.Category
		failureCount int
		want         Transition
	}{
		{"配额耗尽立即停用", service.CategoryQuotaExhausted, 1, Transition{Disable: true, Cause: messaging.CauseExhausted}},
		{"鉴权失败未达阈值无动作", service.CategoryAuthFailure, 1, Transition{}},
		{"鉴权失败达到冷却阈值", service.CategoryAuthFailure, 3, Transition{Cooldown: true}},
		{"鉴权失败达到停用阈值", service.CategoryAuthFailure, 10, Transition{Disable: true, Cause: messaging.CauseAuthFailed}},
		{"未达阈值无动作", service.CategoryServerError, 2, Transition{}},
		{"达到冷却阈值", service.CategoryRateLimited, 3, Transition{Cooldown: true}},
		{"超过冷却未达停用", service.CategoryTimeout, 7, Transition{Cooldown: true}},
		{"达到停用阈值", service.CategoryServerError, 10, Transition{Disable: true, Cause: messaging.CauseFaulty}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextState(tt.category, tt.failureCount, 3, 10))
		})
	}
}
