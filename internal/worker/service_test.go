package worker

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/solvetrack/internal/config"
	"github.com/thebtf/solvetrack/internal/dispatch"
	"github.com/thebtf/solvetrack/internal/engine"
	"github.com/thebtf/solvetrack/internal/feed"
	"github.com/thebtf/solvetrack/internal/poller"
	"github.com/thebtf/solvetrack/internal/session"
	"github.com/thebtf/solvetrack/pkg/models"
)

// ServiceSuite runs the HTTP surface against a live engine loop.
type ServiceSuite struct {
	suite.Suite
	settings *config.Store
	registry *session.Registry
	svc      *Service
	cancel   context.CancelFunc
}

func (s *ServiceSuite) SetupTest() {
	cfg := config.Default()
	s.settings = config.NewStore(cfg)

	accountant := session.NewAccountant(s.settings)
	s.registry = session.NewRegistry(accountant)

	dispatcher := dispatch.NewDispatcher(s.settings, nil, "test")
	s.T().Cleanup(dispatcher.Stop)

	p := poller.NewPoller(s.settings, feed.NewClient(s.settings), s.registry, dispatcher)
	eng := engine.NewEngine(s.settings, s.registry, dispatcher, p, nil, "test")
	s.svc = NewService("test", s.settings, eng, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() { _ = eng.Run(ctx) }()
}

func (s *ServiceSuite) TearDownTest() {
	s.cancel()
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.svc.Router().ServeHTTP(rec, req)
	return rec
}

// TestHealth tests the liveness endpoint.
func (s *ServiceSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, rec.Code)

	var body map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal("ok", body["status"])
	s.Equal("test", body["version"])
}

// TestPostMessage_CreatesSession tests the ingest path end to end.
func (s *ServiceSuite) TestPostMessage_CreatesSession() {
	rec := s.do(http.MethodPost, "/api/messages",
		`{"type":"SESSION_START","tabId":1,"data":{"problemUrl":"https://leetcode.com/problems/two-sum/","problemTitle":"Two Sum"}}`)
	s.Equal(http.StatusAccepted, rec.Code)

	require.Eventually(s.T(), func() bool { return s.registry.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Equal("two-sum", s.registry.Get(1).ProblemID)
}

// TestPostMessage_Invalid tests boundary rejection.
func (s *ServiceSuite) TestPostMessage_Invalid() {
	for _, body := range []string{
		`{"type":"NOT_A_THING","tabId":1}`,
		`{"type":"SESSION_START"}`,
		`not json`,
	} {
		rec := s.do(http.MethodPost, "/api/messages", body)
		s.Equal(http.StatusBadRequest, rec.Code, "body %q", body)
	}
	s.Zero(s.registry.Count())
}

// TestStatus tests the status report.
func (s *ServiceSuite) TestStatus() {
	s.do(http.MethodPost, "/api/messages",
		`{"type":"SESSION_START","tabId":1,"data":{"problemUrl":"https://leetcode.com/problems/two-sum/","problemTitle":"Two Sum"}}`)
	require.Eventually(s.T(), func() bool { return s.registry.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	rec := s.do(http.MethodGet, "/api/status", "")
	s.Equal(http.StatusOK, rec.Code)

	var status models.EngineStatus
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	s.Equal("test", status.Version)
	s.Len(status.Sessions, 1)
	s.Equal("two-sum", status.Sessions[0].ProblemID)
}

// TestSettingsRoundTrip tests a partial update lands without clobbering
// other keys.
func (s *ServiceSuite) TestSettingsRoundTrip() {
	rec := s.do(http.MethodPut, "/api/settings", `{"leetcodeUsername":"alice"}`)
	s.Equal(http.StatusAccepted, rec.Code)

	require.Eventually(s.T(), func() bool {
		return s.settings.Get().LeetCodeUsername == "alice"
	}, 2*time.Second, 5*time.Millisecond)
	s.Equal(config.DefaultFeedBaseURL, s.settings.Get().FeedBaseURL)

	get := s.do(http.MethodGet, "/api/settings", "")
	s.Equal(http.StatusOK, get.Code)

	var cfg config.Settings
	s.Require().NoError(json.Unmarshal(get.Body.Bytes(), &cfg))
	s.Equal("alice", cfg.LeetCodeUsername)
}

// TestSettingsRejectsGarbage tests malformed patches do not reach the
// engine.
func (s *ServiceSuite) TestSettingsRejectsGarbage() {
	rec := s.do(http.MethodPut, "/api/settings", `{"idleThresholdMs":"soon"}`)
	s.Equal(http.StatusBadRequest, rec.Code)
}

// TestEventStream tests that accepted events are mirrored to stream
// subscribers as they are posted.
func (s *ServiceSuite) TestEventStream() {
	server := httptest.NewServer(s.svc.Router())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events/stream", nil)
	s.Require().NoError(err)

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal("text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	s.Require().NoError(err)
	s.Contains(line, `"type":"connected"`)

	// A posted message produces an event on the stream (the start event
	// parks in the retry queue, but the stream mirror fires regardless).
	s.do(http.MethodPost, "/api/messages",
		`{"type":"SESSION_START","tabId":1,"data":{"problemUrl":"https://leetcode.com/problems/two-sum/","problemTitle":"Two Sum"}}`)

	deadline := time.After(2 * time.Second)
	got := make(chan string, 1)
	go func() {
		for {
			l, readErr := reader.ReadString('\n')
			if readErr != nil {
				return
			}
			if strings.Contains(l, "ProblemSessionStarted") {
				got <- l
				return
			}
		}
	}()

	select {
	case line = <-got:
		s.Contains(line, `"problemId":"two-sum"`)
	case <-deadline:
		s.Fail("no event observed on stream")
	}
}
