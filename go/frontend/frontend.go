// Package frontend is the HTTP/JSON façade: the read-only API over
// runs, builds, tests and logs, the cancel endpoint, and the
// authenticated endpoint the CLI submits new runs through.
package frontend

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/skia-dev/glog"

	"github.com/near/nayduck/go/admission"
	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/token"
)

const (
	// runsListLimit bounds the runs listing.
	runsListLimit = 100
	// historyLimit bounds per-test history responses.
	historyLimit = 30
	// codeTokenKind is the AEAD domain of CLI auth tokens; the payload
	// is the requester's login.
	codeTokenKind = "code"
)

// Server serves the API.
type Server struct {
	db        db.DB
	admission *admission.Admission
	codec     *token.Codec
	uiBaseURL string
}

// New returns a Server. codec authenticates run submissions; when nil,
// /api/run/new always rejects.
func New(d db.DB, adm *admission.Admission, codec *token.Codec, uiBaseURL string) *Server {
	return &Server{db: d, admission: adm, codec: codec, uiBaseURL: strings.TrimSuffix(uiBaseURL, "/")}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/runs", s.getRuns)
	r.Get("/api/run/{id}", s.getRun)
	r.Post("/api/run/{id}/cancel", s.cancelRun)
	r.Post("/api/run/new", s.newRun)
	r.Get("/api/build/{id}", s.getBuild)
	r.Get("/api/test/{id}", s.getTest)
	r.Get("/api/test/{id}/history", s.getTestHistory)
	r.Get("/api/test/{id}/history/{branch}", s.getTestHistory)
	r.Get("/logs/test/{id}/{type}", s.getTestLog)
	r.Get("/logs/build/{id}/{type}", s.getBuildLog)
	return r
}

// JSON views. Times are RFC 3339 pointers so unset stamps serialize as
// null.

type runView struct {
	ID        int64     `json:"run_id"`
	Branch    string    `json:"branch"`
	SHA       string    `json:"sha"`
	Title     string    `json:"title"`
	Requester string    `json:"requester"`
	Timestamp time.Time `json:"timestamp"`
}

type buildSummaryView struct {
	ID        int64          `json:"build_id"`
	Status    string         `json:"status"`
	IsRelease bool           `json:"is_release"`
	Features  string         `json:"features"`
	Tests     map[string]int `json:"tests"`
}

type runSummaryView struct {
	runView
	Builds []buildSummaryView `json:"builds"`
}

type testView struct {
	ID             int64      `json:"test_id"`
	RunID          int64      `json:"run_id"`
	BuildID        int64      `json:"build_id"`
	Name           string     `json:"name"`
	Category       string     `json:"category"`
	TimeoutSec     int64      `json:"timeout"`
	SkipBuild      bool       `json:"skip_build"`
	Branch         string     `json:"branch"`
	IsNightly      bool       `json:"is_nightly"`
	Status         string     `json:"status"`
	Tries          int        `json:"tries"`
	WorkerHostname string     `json:"worker,omitempty"`
	Started        *time.Time `json:"started"`
	Finished       *time.Time `json:"finished"`
}

type buildView struct {
	ID        int64      `json:"build_id"`
	RunID     int64      `json:"run_id"`
	Status    string     `json:"status"`
	IsRelease bool       `json:"is_release"`
	Features  string     `json:"features"`
	Started   *time.Time `json:"started"`
	Finished  *time.Time `json:"finished"`
	Stdout    string     `json:"stdout"`
	Stderr    string     `json:"stderr"`
}

type historyView struct {
	testView
	SHA string `json:"sha"`
}

type testDetailView struct {
	testView
	History  []historyView `json:"history"`
	FirstBad *historyView  `json:"first_bad,omitempty"`
	LastGood *historyView  `json:"last_good,omitempty"`
}

func newRunView(r *db.Run) runView {
	return runView{ID: r.ID, Branch: r.Branch, SHA: r.SHA, Title: r.Title,
		Requester: r.Requester, Timestamp: r.Timestamp}
}

func newTestView(t *db.Test) testView {
	return testView{
		ID: t.ID, RunID: t.RunID, BuildID: t.BuildID, Name: t.Name,
		Category: t.Category, TimeoutSec: int64(t.Timeout / time.Second),
		SkipBuild: t.SkipBuild, Branch: t.Branch, IsNightly: t.IsNightly,
		Status: t.Status, Tries: t.Tries, WorkerHostname: t.WorkerHostname,
		Started: t.Started, Finished: t.Finished,
	}
}

func newHistoryView(e *db.HistoryEntry) historyView {
	return historyView{testView: newTestView(&e.Test), SHA: e.SHA}
}

func (s *Server) getRuns(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.db.LatestRuns(r.Context(), runsListLimit)
	if err != nil {
		s.serverError(w, err)
		return
	}
	views := make([]runSummaryView, 0, len(summaries))
	for i := range summaries {
		view := runSummaryView{runView: newRunView(&summaries[i].Run)}
		for _, b := range summaries[i].Builds {
			view.Builds = append(view.Builds, buildSummaryView{
				ID: b.ID, Status: b.Status, IsRelease: b.IsRelease,
				Features: b.Features, Tests: b.Tests,
			})
		}
		views = append(views, view)
	}
	respondJSON(w, views)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	run, tests, err := s.db.GetRun(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}
	testViews := make([]testView, 0, len(tests))
	for i := range tests {
		testViews = append(testViews, newTestView(&tests[i]))
	}
	respondJSON(w, struct {
		runView
		Tests []testView `json:"tests"`
	}{newRunView(run), testViews})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	count, err := s.db.CancelRun(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	respondJSON(w, struct {
		Canceled int64 `json:"canceled"`
	}{count})
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	build, err := s.db.GetBuild(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if build == nil {
		http.NotFound(w, r)
		return
	}
	respondJSON(w, buildView{
		ID: build.ID, RunID: build.RunID, Status: build.Status,
		IsRelease: build.IsRelease, Features: build.Features,
		Started: build.Started, Finished: build.Finished,
		Stdout: string(inflate(build.Stdout)), Stderr: string(inflate(build.Stderr)),
	})
}

func (s *Server) getTest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	test, err := s.db.GetTest(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if test == nil {
		http.NotFound(w, r)
		return
	}
	history, err := s.db.TestHistory(r.Context(), test.Name, test.Branch, historyLimit)
	if err != nil {
		s.serverError(w, err)
		return
	}
	detail := testDetailView{testView: newTestView(test)}
	for i := range history {
		detail.History = append(detail.History, newHistoryView(&history[i]))
	}
	if test.IsNightly {
		detail.FirstBad, detail.LastGood = firstBadLastGood(history)
	}
	respondJSON(w, detail)
}

func (s *Server) getTestHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	test, err := s.db.GetTest(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if test == nil {
		http.NotFound(w, r)
		return
	}
	branch := chi.URLParam(r, "branch")
	if branch == "" {
		branch = test.Branch
	}
	history, err := s.db.TestHistory(r.Context(), test.Name, branch, historyLimit)
	if err != nil {
		s.serverError(w, err)
		return
	}
	views := make([]historyView, 0, len(history))
	for i := range history {
		views = append(views, newHistoryView(&history[i]))
	}
	respondJSON(w, views)
}

// firstBadLastGood walks the history newest first and, when the latest
// terminal result is a failure, reports the oldest commit of the current
// failing streak and the passing commit right before it.
func firstBadLastGood(history []db.HistoryEntry) (*historyView, *historyView) {
	var firstBad *historyView
	for i := range history {
		e := &history[i]
		switch e.Status {
		case db.TestPassed, db.TestIgnored:
			if firstBad == nil {
				return nil, nil
			}
			v := newHistoryView(e)
			return firstBad, &v
		case db.TestFailed, db.TestTimeout:
			v := newHistoryView(e)
			firstBad = &v
		}
		// Pending, running and canceled entries say nothing either way.
	}
	return firstBad, nil
}

func (s *Server) getTestLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	logType := chi.URLParam(r, "type")
	l, err := s.db.GetLog(r.Context(), id, logType)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if l == nil {
		http.NotFound(w, r)
		return
	}
	if l.Storage != "" {
		http.Redirect(w, r, l.Storage, http.StatusFound)
		return
	}
	serveLog(w, r, l.Data)
}

func (s *Server) getBuildLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	build, err := s.db.GetBuild(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if build == nil {
		http.NotFound(w, r)
		return
	}
	switch chi.URLParam(r, "type") {
	case "stdout":
		serveLog(w, r, build.Stdout)
	case "stderr":
		serveLog(w, r, build.Stderr)
	default:
		http.NotFound(w, r)
	}
}

// serveLog writes possibly gzip-framed log bytes, passing the frame
// through when the client accepts gzip and inflating it otherwise.
func serveLog(w http.ResponseWriter, r *http.Request, data []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if db.GzipFramed(data) {
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
		} else {
			data = inflate(data)
		}
	}
	_, _ = w.Write(data)
}

// inflate decompresses gzip-framed bytes; anything else passes through.
func inflate(data []byte) []byte {
	if !db.GzipFramed(data) {
		return data
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	plain, err := io.ReadAll(gz)
	if err != nil {
		return data
	}
	return plain
}

// cliResponse is the submission protocol shared with the CLI: code 0
// carries a URL, code 1 a human-readable failure reason.
type cliResponse struct {
	Code     int    `json:"code"`
	Response string `json:"response"`
}

func (s *Server) newRun(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.authenticate(r)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		respondJSON(w, cliResponse{Code: 1, Response: "invalid or missing authorization token"})
		return
	}
	var req admission.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, cliResponse{Code: 1, Response: "malformed request: " + err.Error()})
		return
	}
	runID, err := s.admission.NewRun(r.Context(), &req, requester, nil)
	if err != nil {
		respondJSON(w, cliResponse{Code: 1, Response: err.Error()})
		return
	}
	respondJSON(w, cliResponse{Code: 0, Response: fmt.Sprintf("%s/run/%d", s.uiBaseURL, runID)})
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	if s.codec == nil {
		return "", false
	}
	header := r.Header.Get("Authorization")
	tok := strings.TrimPrefix(header, "Bearer ")
	if tok == header || tok == "" {
		return "", false
	}
	login, err := s.codec.Decrypt(codeTokenKind, tok)
	if err != nil || len(login) == 0 {
		return "", false
	}
	return string(login), true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.NotFound(w, r)
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		glog.Errorf("Encoding response: %s", err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	glog.Errorf("Request failed: %s", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
