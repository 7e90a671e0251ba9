package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", DatabaseChecker(fakePinger{}))
	r.Register("recovery", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "stalled"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, Status{Name: "database", Healthy: true}, statuses[0])
	assert.Equal(t, Status{Name: "recovery", Healthy: false, Detail: "stalled"}, statuses[1])
}

func TestDatabaseChecker(t *testing.T) {
	st := DatabaseChecker(fakePinger{err: errors.New("connection refused")})(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "connection refused", st.Detail)
}

func TestRunningChecker(t *testing.T) {
	running := false
	check := RunningChecker("recovery_timer", func() bool { return running })

	assert.False(t, check(context.Background()).Healthy)
	running = true
	assert.Equal(t, Status{Name: "recovery_timer", Healthy: true}, check(context.Background()))
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 10)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := NewRegistry()
	ok := true
	r.Register("worker", RunningChecker("worker", func() bool { return ok }))

	router := gin.New()
	router.GET("/health/ready", r.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","checks":[{"name":"worker","healthy":true}]}`, w.Body.String())

	ok = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
