package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/solvetrack/internal/config"
	"github.com/thebtf/solvetrack/internal/journal"
	"github.com/thebtf/solvetrack/pkg/models"
)

// collector is a fake backend recording delivered bodies in order.
type collector struct {
	mu     sync.Mutex
	bodies [][]byte
	fail   bool
}

func (c *collector) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		c.bodies = append(c.bodies, body)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func (c *collector) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *collector) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.bodies...)
}

func testDispatcher(t *testing.T, backendURL string) (*Dispatcher, *config.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.BackendURL = backendURL
	store := config.NewStore(cfg)

	d := NewDispatcher(store, nil, "test")
	d.drainDelay = time.Millisecond
	d.retryDelay = time.Hour // tests trigger drains explicitly
	t.Cleanup(d.Stop)
	return d, store
}

func progressData(problemID string) *models.ProgressData {
	return &models.ProgressData{ProblemID: problemID, UserID: "u1"}
}

// TestPost_Success tests direct delivery with acknowledgement.
func TestPost_Success(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	d, _ := testDispatcher(t, server.URL)

	ack, err := d.Post(context.Background(), models.EventProgress, progressData("two-sum"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(ack))
	assert.Zero(t, d.QueueDepth())
	assert.Equal(t, int64(1), d.Metrics().Sent)

	// The payload got a delivery timestamp stamped.
	var envelope struct {
		EventType string `json:"eventType"`
		Data      struct {
			Timestamp int64 `json:"timestamp"`
		} `json:"data"`
	}
	require.Len(t, c.received(), 1)
	require.NoError(t, json.Unmarshal(c.received()[0], &envelope))
	assert.Equal(t, "ProblemProgress", envelope.EventType)
	assert.Positive(t, envelope.Data.Timestamp)
}

// TestPost_PreservesExistingTimestamp tests that pre-stamped payloads keep
// their timestamp (submission events carry the external feed time).
func TestPost_PreservesExistingTimestamp(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	d, _ := testDispatcher(t, server.URL)

	data := &models.SubmittedData{SubmissionID: "987"}
	data.Timestamp = 1_700_000_000_000
	_, err := d.Post(context.Background(), models.EventSubmitted, data)
	require.NoError(t, err)

	var envelope struct {
		Data struct {
			Timestamp int64 `json:"timestamp"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(c.received()[0], &envelope))
	assert.Equal(t, int64(1_700_000_000_000), envelope.Data.Timestamp)
}

// TestPost_BearerHeader tests the optional API key header.
func TestPost_BearerHeader(t *testing.T) {
	var gotAuth, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Client-Version")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	d, store := testDispatcher(t, server.URL)
	key := "secret-key"
	store.Apply(config.Patch{APIKey: &key})

	_, err := d.Post(context.Background(), models.EventProgress, progressData("two-sum"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "test", gotVersion)
}

// TestPost_OfflineQueues tests that offline posts are parked, then
// delivered in enqueue order once connectivity returns.
func TestPost_OfflineQueues(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	d, _ := testDispatcher(t, server.URL)
	d.SetOnline(false)

	var queuedBodies [][]byte
	d.SetObserver(func(_ models.EventType, body []byte) {
		queuedBodies = append(queuedBodies, body)
	})

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Post(context.Background(), models.EventProgress, progressData(id))
		assert.ErrorIs(t, err, ErrQueued)
	}
	assert.Equal(t, 3, d.QueueDepth())
	assert.Empty(t, c.received())

	d.SetOnline(true)
	require.Eventually(t, func() bool { return d.QueueDepth() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(c.received()) == 3 }, 2*time.Second, 10*time.Millisecond)

	// Exactly the same payloads, in enqueue order.
	received := c.received()
	require.Len(t, queuedBodies, 3)
	for i := range queuedBodies {
		assert.Equal(t, string(queuedBodies[i]), string(received[i]))
	}
}

// TestPost_NoBackendTreatedAsOffline tests that a missing backend URL
// queues instead of sending.
func TestPost_NoBackendTreatedAsOffline(t *testing.T) {
	d, _ := testDispatcher(t, "")

	_, err := d.Post(context.Background(), models.EventProgress, progressData("two-sum"))
	assert.ErrorIs(t, err, ErrQueued)
	assert.Equal(t, 1, d.QueueDepth())
}

// TestPost_ServerErrorQueues tests that non-2xx responses queue the
// payload.
func TestPost_ServerErrorQueues(t *testing.T) {
	c := &collector{fail: true}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	d, _ := testDispatcher(t, server.URL)

	_, err := d.Post(context.Background(), models.EventProgress, progressData("two-sum"))
	assert.ErrorIs(t, err, ErrQueued)
	assert.Equal(t, 1, d.QueueDepth())
	assert.Equal(t, int64(1), d.Metrics().Queued)
}

// TestProcessRetryQueue_FailureStopsDrain tests head reinsertion: a failed
// payload returns to the front and the drain stops.
func TestProcessRetryQueue_FailureStopsDrain(t *testing.T) {
	c := &collector{fail: true}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	d, _ := testDispatcher(t, server.URL)
	d.SetOnline(false)
	for _, id := range []string{"a", "b", "c"} {
		_, _ = d.Post(context.Background(), models.EventProgress, progressData(id))
	}
	d.online.Store(true) // flip without triggering the async drain

	d.ProcessRetryQueue(context.Background())

	// Nothing delivered, nothing lost, order intact.
	assert.Equal(t, 3, d.QueueDepth())
	assert.Empty(t, c.received())

	// Collector recovers: one drain delivers everything in order.
	c.setFail(false)
	d.ProcessRetryQueue(context.Background())
	assert.Zero(t, d.QueueDepth())

	received := c.received()
	require.Len(t, received, 3)
	for i, id := range []string{"a", "b", "c"} {
		var envelope struct {
			Data struct {
				ProblemID string `json:"problemId"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(received[i], &envelope))
		assert.Equal(t, id, envelope.Data.ProblemID)
	}
}

// TestProcessRetryQueue_SingleFlight tests the in-flight flag collapses
// concurrent drains.
func TestProcessRetryQueue_SingleFlight(t *testing.T) {
	var inFlight, maxInFlight int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	d, _ := testDispatcher(t, server.URL)
	d.SetOnline(false)
	for i := 0; i < 5; i++ {
		_, _ = d.Post(context.Background(), models.EventProgress, progressData("two-sum"))
	}
	d.online.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.ProcessRetryQueue(context.Background())
		}()
	}
	wg.Wait()

	// Drains collapsed: the collector never saw parallel sends.
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 1)
}

// TestRestoreFromJournal tests queue recovery across a restart.
func TestRestoreFromJournal(t *testing.T) {
	c := &collector{}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	jnl, err := journal.NewStore(journal.StoreConfig{Path: filepath.Join(t.TempDir(), "j.db")})
	require.NoError(t, err)
	defer jnl.Close()

	cfg := config.Default()
	cfg.BackendURL = server.URL
	store := config.NewStore(cfg)

	// First dispatcher queues while offline, journaling each payload.
	d1 := NewDispatcher(store, jnl, "test")
	d1.SetOnline(false)
	for _, id := range []string{"a", "b"} {
		_, _ = d1.Post(context.Background(), models.EventProgress, progressData(id))
	}
	d1.Stop()

	// Second dispatcher (fresh process) restores and drains.
	d2 := NewDispatcher(store, jnl, "test")
	d2.drainDelay = time.Millisecond
	defer d2.Stop()
	require.NoError(t, d2.RestoreFromJournal(context.Background()))
	assert.Equal(t, 2, d2.QueueDepth())

	d2.ProcessRetryQueue(context.Background())
	assert.Zero(t, d2.QueueDepth())
	assert.Len(t, c.received(), 2)

	// Delivered rows left the journal's pending set.
	pending, err := jnl.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
