package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"provlink/internal/cache"
)

type staticStrategy struct {
	name    string
	origins []string
}

func (s staticStrategy) Name() string         { return s.name }
func (s staticStrategy) Candidates() []string { return s.origins }

type healthServer struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newHealthServer(t *testing.T, status int) *healthServer {
	t.Helper()
	ps := &healthServer{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.hits.Add(1)
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

// switchServer answers /health with a status the test can change
type switchServer struct {
	srv    *httptest.Server
	hits   atomic.Int32
	status atomic.Int32
}

func newSwitchServer(t *testing.T, status int) *switchServer {
	t.Helper()
	ss := &switchServer{}
	ss.status.Store(int32(status))
	ss.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ss.hits.Add(1)
		w.WriteHeader(int(ss.status.Load()))
	}))
	t.Cleanup(ss.srv.Close)
	return ss
}

type mutableStrategy struct {
	name    string
	mu      sync.Mutex
	origins []string
}

func (s *mutableStrategy) Name() string { return s.name }

func (s *mutableStrategy) Candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origins
}

func (s *mutableStrategy) set(origins []string) {
	s.mu.Lock()
	s.origins = origins
	s.mu.Unlock()
}

// deadOrigin returns an origin nothing listens on
func deadOrigin(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func testConfig() Config {
	return Config{
		HealthPath:    "/health",
		CheckTimeout:  time.Second,
		AllowFallback: true,
		FallbackURL:   "http://localhost:8000",
		Logger:        zerolog.Nop(),
	}
}

func TestResolve_FirstSuccessShortCircuits(t *testing.T) {
	failing := newHealthServer(t, http.StatusServiceUnavailable)
	winner := newHealthServer(t, http.StatusOK)
	after := newHealthServer(t, http.StatusOK)

	r := New(testConfig(), []Strategy{
		staticStrategy{name: "explicit", origins: []string{deadOrigin(t)}},
		staticStrategy{name: "platform", origins: []string{failing.srv.URL, winner.srv.URL}},
		staticStrategy{name: "lan", origins: []string{after.srv.URL}},
	}, nil)

	origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, winner.srv.URL, origin)
	require.EqualValues(t, 1, failing.hits.Load())
	require.EqualValues(t, 1, winner.hits.Load())
	require.EqualValues(t, 0, after.hits.Load())
}

func TestResolve_CachesWinner(t *testing.T) {
	winner := newHealthServer(t, http.StatusNoContent)
	lastGood, err := cache.NewMemoryCache(4, 0)
	require.NoError(t, err)
	defer lastGood.Close()

	r := New(testConfig(), []Strategy{
		staticStrategy{name: "explicit", origins: []string{winner.srv.URL}},
	}, lastGood)

	for i := 0; i < 3; i++ {
		origin, err := r.Resolve(context.Background())
		require.NoError(t, err)
		require.Equal(t, winner.srv.URL, origin)
	}
	require.EqualValues(t, 1, winner.hits.Load())
	require.Equal(t, winner.srv.URL, r.Resolved())

	remembered, ok := lastGood.Get(lastKnownGoodKey)
	require.True(t, ok)
	require.Equal(t, winner.srv.URL, remembered)

	r.Forget()
	require.Empty(t, r.Resolved())
	remembered, ok = lastGood.Get(lastKnownGoodKey)
	require.True(t, ok)
	require.Equal(t, winner.srv.URL, remembered)

	origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, winner.srv.URL, origin)
	require.EqualValues(t, 2, winner.hits.Load())
}

func TestResolve_LastKnownGoodAfterForget(t *testing.T) {
	winner := newHealthServer(t, http.StatusOK)
	lastGood, err := cache.NewMemoryCache(4, 0)
	require.NoError(t, err)
	defer lastGood.Close()

	lan := &mutableStrategy{name: "lan", origins: []string{winner.srv.URL}}
	r := New(testConfig(), []Strategy{
		LastKnownGood{Cache: lastGood, Key: lastKnownGoodKey},
		lan,
	}, lastGood)

	origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, winner.srv.URL, origin)

	// the address list no longer names the winner; only the remembered origin can find it
	lan.set(nil)
	r.Forget()

	origin, err = r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, winner.srv.URL, origin)
	require.EqualValues(t, 2, winner.hits.Load())
}

func TestResolve_SkipsDuplicates(t *testing.T) {
	failing := newHealthServer(t, http.StatusInternalServerError)

	cfg := testConfig()
	r := New(cfg, []Strategy{
		staticStrategy{name: "explicit", origins: []string{failing.srv.URL}},
		staticStrategy{name: "lan", origins: []string{failing.srv.URL, failing.srv.URL}},
	}, nil)

	origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, cfg.FallbackURL, origin)
	require.EqualValues(t, 1, failing.hits.Load())
}

func TestResolve_FallbackNotCached(t *testing.T) {
	failing := newHealthServer(t, http.StatusBadGateway)

	r := New(testConfig(), []Strategy{
		staticStrategy{name: "explicit", origins: []string{failing.srv.URL}},
	}, nil)

	origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", origin)
	require.Empty(t, r.Resolved())

	_, err = r.Resolve(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, failing.hits.Load())
}

func TestResolve_Unresolved(t *testing.T) {
	dead := deadOrigin(t)

	cfg := testConfig()
	cfg.AllowFallback = false
	r := New(cfg, []Strategy{
		staticStrategy{name: "explicit", origins: []string{dead}},
	}, nil)

	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnresolved))

	var unresolved *UnresolvedError
	require.True(t, errors.As(err, &unresolved))
	require.Equal(t, []string{dead}, unresolved.Tried)
}

func TestResolve_BreakerOpenCandidateStillFound(t *testing.T) {
	backend := newSwitchServer(t, http.StatusServiceUnavailable)

	cfg := testConfig()
	cfg.Breaker = BreakerConfig{Enabled: true, FailureThreshold: 3, RecoveryTimeout: time.Hour}
	r := New(cfg, []Strategy{
		staticStrategy{name: "explicit", origins: []string{backend.srv.URL}},
	}, nil)

	for i := 0; i < 3; i++ {
		origin, err := r.Resolve(context.Background())
		require.NoError(t, err)
		require.Equal(t, cfg.FallbackURL, origin)
	}

	backend.status.Store(http.StatusOK)
	origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, backend.srv.URL, origin)
	require.EqualValues(t, 4, backend.hits.Load())
}

func TestResolve_BreakerDefersFailingCandidate(t *testing.T) {
	failing := newHealthServer(t, http.StatusServiceUnavailable)
	healthy := newHealthServer(t, http.StatusOK)

	cfg := testConfig()
	cfg.AllowFallback = false
	cfg.Breaker = BreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Hour}
	lan := &mutableStrategy{name: "lan"}
	r := New(cfg, []Strategy{
		staticStrategy{name: "explicit", origins: []string{failing.srv.URL}},
		lan,
	}, nil)

	_, err := r.Resolve(context.Background())
	require.ErrorIs(t, err, ErrUnresolved)

	// the open breaker moves the first candidate behind the healthy one
	lan.set([]string{healthy.srv.URL})
	origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, healthy.srv.URL, origin)
	require.EqualValues(t, 1, failing.hits.Load())
	require.EqualValues(t, 1, healthy.hits.Load())
}

func TestResolve_ProductionSkipsHealthChecks(t *testing.T) {
	never := newHealthServer(t, http.StatusOK)

	cfg := testConfig()
	cfg.Production = true
	cfg.ProductionURL = "https://api.example.com/"
	r := New(cfg, []Strategy{
		staticStrategy{name: "explicit", origins: []string{never.srv.URL}},
	}, nil)

	origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com", origin)
	require.EqualValues(t, 0, never.hits.Load())
}

func TestResolve_ContextCancelled(t *testing.T) {
	r := New(testConfig(), []Strategy{
		staticStrategy{name: "explicit", origins: []string{"http://127.0.0.1:1"}},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolve_CheckTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()
	winner := newHealthServer(t, http.StatusOK)

	cfg := testConfig()
	cfg.CheckTimeout = 50 * time.Millisecond
	r := New(cfg, []Strategy{
		staticStrategy{name: "explicit", origins: []string{slow.URL}},
		staticStrategy{name: "lan", origins: []string{winner.srv.URL}},
	}, nil)

	start := time.Now()
	origin, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, winner.srv.URL, origin)
	require.Less(t, time.Since(start), time.Second)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBreaker(BreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Minute}, func() time.Time { return now })

	require.True(t, b.allow())
	b.recordFailure()
	require.False(t, b.allow())

	now = now.Add(time.Minute)
	require.True(t, b.allow())
	b.recordFailure()
	require.False(t, b.allow())

	now = now.Add(time.Minute)
	require.True(t, b.allow())
	b.recordSuccess()
	require.True(t, b.allow())
}

func TestStrategies(t *testing.T) {
	t.Setenv("PROVLINK_TEST_ORIGIN", " http://192.168.1.20:8000/ ")

	require.Nil(t, Explicit{}.Candidates())
	require.Equal(t, []string{"http://api.local:9000"}, Explicit{Origin: "http://api.local:9000/"}.Candidates())
	require.Equal(t, []string{"http://192.168.1.20:8000"}, Env{Variable: "PROVLINK_TEST_ORIGIN"}.Candidates())
	require.Nil(t, Env{Variable: "PROVLINK_TEST_UNSET"}.Candidates())

	require.Equal(t,
		[]string{"http://10.0.2.2:8000", "http://10.0.3.2:8000"},
		Platform{Platform: "android", Port: 8000}.Candidates())
	require.Equal(t, []string{"http://127.0.0.1:8000"}, Platform{Platform: "ios", Port: 8000}.Candidates())

	require.Equal(t,
		[]string{"http://192.168.0.5:8000", "http://192.168.0.6:9000", "https://dev.lan"},
		LAN{Addresses: []string{"192.168.0.5", "192.168.0.6:9000", "https://dev.lan/", " "}, Port: 8000}.Candidates())

	require.Equal(t, []string{"http://localhost:8000"}, Localhost{Port: 8000}.Candidates())

	mc, err := cache.NewMemoryCache(1, 0)
	require.NoError(t, err)
	defer mc.Close()
	lkg := LastKnownGood{Cache: mc, Key: "origin"}
	require.Nil(t, lkg.Candidates())
	mc.Set("origin", "http://10.0.2.2:8000")
	require.Equal(t, []string{"http://10.0.2.2:8000"}, lkg.Candidates())
}
