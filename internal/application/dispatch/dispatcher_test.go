package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-banana-proxy/internal/application/ledger"
	"nano-banana-proxy/internal/config"
	"nano-banana-proxy/internal/domain/entity"
	"nano-banana-proxy/internal/domain/service"
	"nano-banana-proxy/internal/infrastructure/upstream"
	apperrors "nano-banana-proxy/pkg/errors"
)

type fakeLedger struct {
	balance       int64
	reserved      int64
	refunded      int64
	refundReasons []string
}

func (f *fakeLedger) Reserve(_ context.Context, accountID string, amount int64, _ string) (*ledger.Reservation, error) {
	if f.balance < amount {
		return nil, &ledger.InsufficientFundsError{AccountID: accountID, Required: amount, Balance: f.balance}
	}
	f.balance -= amount
	f.reserved += amount
	return ledger.NewReservation(f, accountID, amount), nil
}

func (f *fakeLedger) Refund(_ context.Context, _ string, amount int64, reason string) (int64, error) {
	f.balance += amount
	f.refunded += amount
	f.refundReasons = append(f.refundReasons, reason)
	return f.balance, nil
}

type recordedFailure struct {
	tokenID  string
	category service.Category
	errText  string
}

type fakePool struct {
	tokens    []*entity.Token
	listErr   error
	successes []string
	failures  []recordedFailure
}

func (f *fakePool) ListCandidates(context.Context) ([]*entity.Token, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tokens, nil
}

func (f *fakePool) RecordSuccess(_ context.Context, tokenID string) error {
	f.successes = append(f.successes, tokenID)
	return nil
}

func (f *fakePool) RecordFailure(_ context.Context, tokenID string, category service.Category, errText string) error {
	f.failures = append(f.failures, recordedFailure{tokenID, category, errText})
	return nil
}

type upstreamReply struct {
	result *upstream.Result
	stream *upstream.StreamResult
	err    error
}

type fakeUpstream struct {
	replies []upstreamReply
	keys    []string
	calls   int
}

func (f *fakeUpstream) Generate(_ context.Context, apiKey, _ string, _ json.RawMessage) (*upstream.Result, error) {
	reply := f.replies[f.calls]
	f.calls++
	f.keys = append(f.keys, apiKey)
	return reply.result, reply.err
}

func (f *fakeUpstream) GenerateStream(_ context.Context, apiKey, _ string, _ json.RawMessage) (*upstream.StreamResult, error) {
	reply := f.replies[f.calls]
	f.calls++
	f.keys = append(f.keys, apiKey)
	return reply.stream, reply.err
}

type fakeUsage struct {
	records []*entity.UsageRecord
}

func (f *fakeUsage) Create(_ context.Context, record *entity.UsageRecord) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeUsage) ListByAccount(_ context.Context, _ string, _ int) ([]*entity.UsageRecord, error) {
	return f.records, nil
}

// 密文约定：前缀 enc: 可解出剩余部分，其余一律解密失败
type fakeCipher struct{}

func (fakeCipher) Decrypt(ciphertext string) (string, error) {
	if rest, ok := strings.CutPrefix(ciphertext, "enc:"); ok {
		return rest, nil
	}
	return "", errors.New("cipher: message authentication failed")
}

func testToken(id, key string) *entity.Token {
	return &entity.Token{ID: id, Name: id, KeyCiphertext: "enc:" + key, KeyMask: "****", IsActive: true}
}

func newTestDispatcher(l *fakeLedger, p *fakePool, u *fakeUpstream) (*Dispatcher, *fakeUsage) {
	pricer := NewPricer(&config.PricingConfig{
		Models:   map[string]int64{"banana-pro": 20},
		Families: map[string]int64{"banana": 12},
		Default:  10,
	})
	usage := &fakeUsage{}
	return NewDispatcher(l, p, u, fakeCipher{}, pricer, usage), usage
}

func TestDispatchSuccessFirstToken(t *testing.T) {
	l := &fakeLedger{balance: 100}
	p := &fakePool{tokens: []*entity.Token{testToken("t1", "key-1")}}
	u := &fakeUpstream{replies: []upstreamReply{
		{result: &upstream.Result{StatusCode: 200, Body: []byte(`{"candidates":[]}`)}},
	}}

	d, usage := newTestDispatcher(l, p, u)
	body, err := d.Dispatch(context.Background(), "acc-1", "banana-pro", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidates":[]}`, string(body))

	assert.Equal(t, []string{"key-1"}, u.keys)
	assert.Equal(t, []string{"t1"}, p.successes)
	assert.Empty(t, p.failures)

	// 成功即实扣，无回补
	assert.Equal(t, int64(20), l.reserved)
	assert.Zero(t, l.refunded)
	assert.Equal(t, int64(80), l.balance)

	require.Len(t, usage.records, 1)
	require.NotNil(t, usage.records[0].TokenID)
	assert.Equal(t, "t1", *usage.records[0].TokenID)
	assert.Equal(t, int64(20), usage.records[0].Credits)
	assert.True(t, usage.records[0].Succeeded)
}

func TestDispatchFailover(t *testing.T) {
	l := &fakeLedger{balance: 100}
	p := &fakePool{tokens: []*entity.Token{testToken("t1", "key-1"), testToken("t2", "key-2")}}
	u := &fakeUpstream{replies: []upstreamReply{
		{result: &upstream.Result{StatusCode: 503, Body: []byte(`{"error":"overloaded"}`)}},
		{result: &upstream.Result{StatusCode: 200, Body: []byte(`{"ok":true}`)}},
	}}

	d, _ := newTestDispatcher(l, p, u)
	body, err := d.Dispatch(context.Background(), "acc-1", "banana-pro", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	assert.Equal(t, []string{"key-1", "key-2"}, u.keys)
	require.Len(t, p.failures, 1)
	assert.Equal(t, "t1", p.failures[0].tokenID)
	assert.Equal(t, service.CategoryServerError, p.failures[0].category)
	assert.Equal(t, []string{"t2"}, p.successes)
	assert.Zero(t, l.refunded)
}

func TestDispatchClientErrorShortCircuits(t *testing.T) {
	l := &fakeLedger{balance: 100}
	p := &fakePool{tokens: []*entity.Token{testToken("t1", "key-1"), testToken("t2", "key-2")}}
	u := &fakeUpstream{replies: []upstreamReply{
		{result: &upstream.Result{StatusCode: 400, Body: []byte(`{"error":"invalid argument"}`)}},
	}}

	d, _ := newTestDispatcher(l, p, u)
	_, err := d.Dispatch(context.Background(), "acc-1", "banana-pro", nil)
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	assert.Equal(t, apperrors.CodeUpstreamBadInput, appErr.Code)

	// 请求本身的问题不消耗第二个凭证
	assert.Equal(t, 1, u.calls)
	require.Len(t, p.failures, 1)
	assert.Equal(t, service.CategoryClientError, p.failures[0].category)

	assert.Equal(t, l.reserved, l.refunded)
	assert.Equal(t, int64(100), l.balance)
	assert.Contains(t, l.refundReasons, "client_error")
}

func TestDispatchExhaustion(t *testing.T) {
	l := &fakeLedger{balance: 100}
	p := &fakePool{tokens: []*entity.Token{testToken("t1", "key-1"), testToken("t2", "key-2")}}
	u := &fakeUpstream{replies: []upstreamReply{
		{result: &upstream.Result{StatusCode: 429, Body: []byte(`{"error":"rate limit exceeded"}`)}},
		{err: errors.New("dial tcp: connection refused")},
	}}

	d, _ := newTestDispatcher(l, p, u)
	_, err := d.Dispatch(context.Background(), "acc-1", "banana-pro", nil)
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	assert.Equal(t, apperrors.CodeUpstreamExhausted, appErr.Code)

	require.Len(t, p.failures, 2)
	assert.Equal(t, service.CategoryRateLimited, p.failures[0].category)
	assert.Equal(t, service.CategoryServerError, p.failures[1].category)

	// 全部失败分文不取
	assert.Equal(t, l.reserved, l.refunded)
	assert.Equal(t, int64(100), l.balance)
	assert.Contains(t, l.refundReasons, "all_attempts_failed")
}

func TestDispatchInsufficientCredits(t *testing.T) {
	l := &fakeLedger{balance: 5}
	p := &fakePool{tokens: []*entity.Token{testToken("t1", "key-1")}}
	u := &fakeUpstream{}

	d, usage := newTestDispatcher(l, p, u)
	_, err := d.Dispatch(context.Background(), "acc-1", "banana-pro", nil)
	var insufficientErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, int64(5), insufficientErr.Balance)
	assert.Zero(t, u.calls)

	// 未触及任何凭证的终态也落记录，token 为空
	require.Len(t, usage.records, 1)
	assert.Nil(t, usage.records[0].TokenID)
	assert.False(t, usage.records[0].Succeeded)
}

func TestDispatchNoTokensRefunds(t *testing.T) {
	l := &fakeLedger{balance: 100}
	p := &fakePool{listErr: apperrors.ErrNoTokensAvailable}
	u := &fakeUpstream{}

	d, usage := newTestDispatcher(l, p, u)
	_, err := d.Dispatch(context.Background(), "acc-1", "banana-pro", nil)
	assert.ErrorIs(t, err, apperrors.ErrNoTokensAvailable)
	assert.Equal(t, int64(100), l.balance)
	assert.Contains(t, l.refundReasons, "no_tokens_available")

	// 池为空同样落一条无凭证的记录
	require.Len(t, usage.records, 1)
	assert.Nil(t, usage.records[0].TokenID)
	assert.False(t, usage.records[0].Succeeded)
	require.NotNil(t, usage.records[0].ErrorText)
	assert.Equal(t, "no tokens available", *usage.records[0].ErrorText)
}

func TestDispatchSkipsUndecryptableToken(t *testing.T) {
	l := &fakeLedger{balance: 100}
	corrupted := &entity.Token{ID: "t1", Name: "t1", KeyCiphertext: "garbage", KeyMask: "****", IsActive: true}
	p := &fakePool{tokens: []*entity.Token{corrupted, testToken("t2", "key-2")}}
	u := &fakeUpstream{replies: []upstreamReply{
		{result: &upstream.Result{StatusCode: 200, Body: []byte(`{"ok":true}`)}},
	}}

	d, _ := newTestDispatcher(l, p, u)
	body, err := d.Dispatch(context.Background(), "acc-1", "banana-pro", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	// 损坏凭证计一次故障，上游只收到可用凭证的调用
	assert.Equal(t, []string{"key-2"}, u.keys)
	require.Len(t, p.failures, 1)
	assert.Equal(t, "t1", p.failures[0].tokenID)
	assert.Equal(t, service.CategoryServerError, p.failures[0].category)
}

func TestDispatchSanitizesFailureText(t *testing.T) {
	l := &fakeLedger{balance: 100}
	p := &fakePool{tokens: []*entity.Token{testToken("t1", "key-1")}}
	u := &fakeUpstream{replies: []upstreamReply{
		{result: &upstream.Result{StatusCode: 401, Body: []byte(`{"error":"invalid key AIzaSyDUMMYKEYDUMMYKEYDUMMYKEY0000"}`)}},
	}}

	d, _ := newTestDispatcher(l, p, u)
	_, err := d.Dispatch(context.Background(), "acc-1", "banana-pro", nil)
	require.Error(t, err)
	require.Len(t, p.failures, 1)
	assert.NotContains(t, p.failures[0].errText, "AIzaSy")
}

func TestDispatchStreamSuccessAtOpen(t *testing.T) {
	l := &fakeLedger{balance: 100}
	p := &fakePool{tokens: []*entity.Token{testToken("t1", "key-1")}}
	u := &fakeUpstream{replies: []upstreamReply{
		{stream: &upstream.StreamResult{
			StatusCode: 200,
			Body:       io.NopCloser(strings.NewReader("data: {}\n\n")),
		}},
	}}

	d, _ := newTestDispatcher(l, p, u)
	stream, err := d.DispatchStream(context.Background(), "acc-1", "banana-pro", nil)
	require.NoError(t, err)
	defer stream.Close()

	// 状态行 200 即成功实扣，与后续转发过程无关
	assert.Equal(t, []string{"t1"}, p.successes)
	assert.Zero(t, l.refunded)
	assert.Equal(t, int64(80), l.balance)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "data: {}\n\n", string(data))
}

func TestDispatchStreamFailover(t *testing.T) {
	l := &fakeLedger{balance: 100}
	p := &fakePool{tokens: []*entity.Token{testToken("t1", "key-1"), testToken("t2", "key-2")}}
	u := &fakeUpstream{replies: []upstreamReply{
		{stream: &upstream.StreamResult{StatusCode: 429, ErrBody: []byte(`{"error":"too many requests"}`)}},
		{stream: &upstream.StreamResult{
			StatusCode: 200,
			Body:       io.NopCloser(strings.NewReader("data: {}\n\n")),
		}},
	}}

	d, _ := newTestDispatcher(l, p, u)
	stream, err := d.DispatchStream(context.Background(), "acc-1", "banana-pro", nil)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "t2", stream.TokenID)
	require.Len(t, p.failures, 1)
	assert.Equal(t, service.CategoryRateLimited, p.failures[0].category)
	assert.Zero(t, l.refunded)
}

func TestDispatchStreamExhaustion(t *testing.T) {
	l := &fakeLedger{balance: 100}
	p := &fakePool{tokens: []*entity.Token{testToken("t1", "key-1")}}
	u := &fakeUpstream{replies: []upstreamReply{
		{stream: &upstream.StreamResult{StatusCode: 503, ErrBody: []byte(`{"error":"unavailable"}`)}},
	}}

	d, _ := newTestDispatcher(l, p, u)
	_, err := d.DispatchStream(context.Background(), "acc-1", "banana-pro", nil)
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	assert.Equal(t, apperrors.CodeUpstreamExhausted, appErr.Code)
	assert.Equal(t, int64(100), l.balance)
}
