package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bookingsync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type mockTokens struct {
	mock.Mock
}

func (m *mockTokens) AccessToken(ctx context.Context) (*oauth2.Token, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth2.Token), args.Error(1)
}

func testConfig(url string) config.UpstreamConfig {
	return config.UpstreamConfig{BaseURL: url, ReadToken: "read-token", Timeout: 2 * time.Second}
}

func TestGetBooking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/bookings", r.URL.Path)
		assert.Equal(t, "read-token", r.Header.Get("token"))
		assert.Equal(t, "true", r.URL.Query().Get("includeInvoiceItems"))

		switch r.URL.Query().Get("id") {
		case "123":
			_, _ = w.Write([]byte(`{"success":true,"count":1,"data":[{"id":123,"status":"confirmed","firstName":"Ana"}]}`))
		case "404":
			w.WriteHeader(http.StatusNotFound)
		default:
			_, _ = w.Write([]byte(`{"success":true,"count":0,"data":[]}`))
		}
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL+"/v2"), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	b, err := c.GetBooking(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, "123", b.ExternalID())
	assert.Equal(t, "confirmed", b.Status)
	assert.JSONEq(t, `{"id":123,"status":"confirmed","firstName":"Ana"}`, string(b.Raw))

	_, err = c.GetBooking(ctx, "999")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.GetBooking(ctx, "404")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))
}

func TestGetBooking_Errors(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"success":false,"code":1001,"error":"invalid filter"}`))
			return
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"success":false,"code":42,"error":"boom"}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	status.Store(http.StatusBadGateway)
	_, err = c.GetBooking(ctx, "1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 42, apiErr.Code)
	assert.True(t, IsTransient(err))

	status.Store(http.StatusTooManyRequests)
	_, err = c.GetBooking(ctx, "1")
	assert.True(t, IsTransient(err))

	status.Store(http.StatusUnauthorized)
	_, err = c.GetBooking(ctx, "1")
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Unauthorized())
	assert.False(t, IsTransient(err))

	status.Store(http.StatusOK)
	_, err = c.GetBooking(ctx, "1")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid filter", apiErr.Message)
	assert.False(t, IsTransient(err))
}

func TestIsTransient_Network(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(testConfig(url), nil, nil)
	require.NoError(t, err)

	_, err = c.GetBooking(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestListBookings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2025-01-01", q.Get("modifiedFrom"))
		assert.Equal(t, []string{"confirmed", "new"}, q["status"])
		assert.Equal(t, "2", q.Get("page"))
		_, _ = w.Write([]byte(`{"success":true,"pages":{"nextPageExists":true},"data":[{"id":1},{"id":2}]}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), nil, nil)
	require.NoError(t, err)

	bookings, next, err := c.ListBookings(context.Background(), BookingFilter{
		ModifiedSince: "2025-01-01",
		Status:        []string{"confirmed", "new"},
		Page:          2,
	})
	require.NoError(t, err)
	assert.True(t, next)
	assert.Len(t, bookings, 2)
}

func TestCancelBooking_UsesAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "access-1", r.Header.Get("token"))

		var body []map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body, 1)
		assert.Equal(t, float64(123), body[0]["id"])
		assert.Equal(t, "cancelled", body[0]["status"])
		assert.Equal(t, "guest request", body[0]["notes"])

		_, _ = w.Write([]byte(`[{"success":true,"modified":{"id":123}}]`))
	}))
	defer srv.Close()

	tokens := new(mockTokens)
	tokens.On("AccessToken", mock.Anything).Return(&oauth2.Token{AccessToken: "access-1"}, nil).Once()

	c, err := New(testConfig(srv.URL), tokens, nil)
	require.NoError(t, err)

	require.NoError(t, c.CancelBooking(context.Background(), "123", "guest request"))
	tokens.AssertExpectations(t)
}

func TestUpsertBookings_RejectedItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"success":false,"errors":[{"field":"arrival","message":"invalid date"}]}]`))
	}))
	defer srv.Close()

	tokens := new(mockTokens)
	tokens.On("AccessToken", mock.Anything).Return(&oauth2.Token{AccessToken: "a"}, nil)

	c, err := New(testConfig(srv.URL), tokens, nil)
	require.NoError(t, err)

	_, err = c.UpsertBookings(context.Background(), []BookingUpdate{{Fields: map[string]interface{}{"arrival": "x"}}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "invalid date")
	assert.False(t, IsTransient(err))
}

func TestWrites_NoCallWithoutCredential(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tokens := new(mockTokens)
	tokens.On("AccessToken", mock.Anything).Return(nil, errors.New("not configured"))

	c, err := New(testConfig(srv.URL), tokens, nil)
	require.NoError(t, err)
	assert.Error(t, c.CancelBooking(context.Background(), "1", ""))

	readOnly, err := New(testConfig(srv.URL), nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, readOnly.CancelBooking(context.Background(), "1", ""), ErrNoTokenProvider)

	assert.Equal(t, int32(0), calls.Load())
}

func TestNew_InvalidBaseURL(t *testing.T) {
	_, err := New(config.UpstreamConfig{BaseURL: "not a url"}, nil, nil)
	assert.Error(t, err)
}
