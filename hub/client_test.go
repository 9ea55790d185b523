package hub_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kestrelsec/sarifhub/hub"
	"github.com/kestrelsec/sarifhub/transport"
)

const (
	modernCheckVersion = `{"hubVersion":"7.2","hubVersionNumber":720,"clientOK":true,"capabilities":{"openapi":true}}`
	legacyNotFound     = "legacy"
)

// newTestClient wires a hub.Client to ts. generation selects the mock's
// capability answer: modern hubs get the full payload, legacy hubs a 404.
func newTestClient(t *testing.T, mux *http.ServeMux, generation string) *hub.Client {
	t.Helper()

	mux.HandleFunc("/command/check_version/sarifhub/", func(w http.ResponseWriter, r *http.Request) {
		if generation == legacyNotFound {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, modernCheckVersion)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c, err := hub.New(ts.URL,
		hub.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		hub.WithConnection(transport.WithClientIdentity("sarifhub", "1")),
	)
	if err != nil {
		t.Fatalf("building client: %v", err)
	}
	t.Cleanup(c.Close)

	return c
}

func TestClient_ProjectsModern(t *testing.T) {
	mux := http.NewServeMux()
	var gotGrid, gotQuery string
	mux.HandleFunc("/project_search.json", func(w http.ResponseWriter, r *http.Request) {
		gotGrid = r.URL.Query().Get("sprjgrid")
		gotQuery = r.URL.Query().Get("query")
		io.WriteString(w, `{"rows": [
			{"projectId": 12, "project": "kernel", "path": "/os/kernel"},
			{"projectId": "9007199254740993", "project": "big", "path": "/big"}
		]}`)
	})

	c := newTestClient(t, mux, "modern")

	projects, err := c.Projects(t.Context(), "os/kernel", hub.WithLimit(25))
	if err != nil {
		t.Fatalf("Projects: %v", err)
	}

	want := []hub.Project{
		{ID: "12", Name: "kernel", Path: "/os/kernel"},
		{ID: "9007199254740993", Name: "big", Path: "/big"},
	}
	if diff := cmp.Diff(want, projects); diff != "" {
		t.Errorf("Projects mismatch (-want +got):\n%s", diff)
	}

	if gotGrid != `{"columns":["project_id","project","path"],"sort":"project_id","limit":25}` {
		t.Errorf("sprjgrid = %s", gotGrid)
	}
	// The term contains a path separator, so it filters by tree path.
	if gotQuery != `ptree_path:"os/kernel"` {
		t.Errorf("query = %s", gotQuery)
	}
}

func TestClient_ProjectsLegacyIgnoresLimit(t *testing.T) {
	mux := http.NewServeMux()
	var gotGrid, gotQuery string
	mux.HandleFunc("/project_search.json", func(w http.ResponseWriter, r *http.Request) {
		gotGrid = r.URL.Query().Get("sprjgrid")
		gotQuery = r.URL.Query().Get("query")
		io.WriteString(w, `{"rows": [{"project_id": 3, "project": "tools", "path": "/tools"}]}`)
	})

	c := newTestClient(t, mux, legacyNotFound)

	projects, err := c.Projects(t.Context(), "tools", hub.WithLimit(25))
	if err != nil {
		t.Fatalf("Projects: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "3" {
		t.Errorf("projects = %+v", projects)
	}

	if gotGrid != "[project_id][project][path][sort:project_id]" {
		t.Errorf("legacy sprjgrid = %s", gotGrid)
	}
	if gotQuery != `project:"tools"` {
		t.Errorf("query = %s", gotQuery)
	}
}

func TestClient_UnsafeProjectIDRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/project_search.json", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"rows": [{"projectId": 9007199254740993, "project": "big", "path": "/big"}]}`)
	})

	c := newTestClient(t, mux, "modern")

	if _, err := c.Projects(t.Context(), ""); !errors.Is(err, hub.ErrUnsafeID) {
		t.Errorf("error = %v, want ErrUnsafeID", err)
	}
}

func TestClient_AnalysesLegacy(t *testing.T) {
	mux := http.NewServeMux()
	var gotGrid string
	mux.HandleFunc("/project/77.json", func(w http.ResponseWriter, r *http.Request) {
		gotGrid = r.URL.Query().Get("anlgrid")
		io.WriteString(w, `{"rows": [
			{"url": "/analysis/205.json", "analysis": "nightly"},
			{"url": "/analysis/204.json", "analysis": "release"}
		]}`)
	})

	c := newTestClient(t, mux, legacyNotFound)

	analyses, err := c.Analyses(t.Context(), "77")
	if err != nil {
		t.Fatalf("Analyses: %v", err)
	}

	want := []hub.Analysis{
		{ID: "205", Name: "nightly"},
		{ID: "204", Name: "release"},
	}
	if diff := cmp.Diff(want, analyses); diff != "" {
		t.Errorf("Analyses mismatch (-want +got):\n%s", diff)
	}

	if gotGrid != "[url][analysis][sort:-analysis_id]" {
		t.Errorf("legacy anlgrid = %s", gotGrid)
	}
}

func TestClient_AnalysesModern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/project/77.json", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"rows": [{"analysisId": 205, "analysis": "nightly"}]}`)
	})

	c := newTestClient(t, mux, "modern")

	analyses, err := c.Analyses(t.Context(), "77")
	if err != nil {
		t.Fatalf("Analyses: %v", err)
	}
	if len(analyses) != 1 || analyses[0].ID != "205" {
		t.Errorf("analyses = %+v", analyses)
	}
}

func TestClient_SarifStream(t *testing.T) {
	mux := http.NewServeMux()
	var gotFilter, gotIndent string
	mux.HandleFunc("/analysis/55-allwarnings.sarif", func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("filter")
		gotIndent = r.URL.Query().Get("indent")
		io.WriteString(w, `{"version": "2.1.0"}`)
	})

	c := newTestClient(t, mux, "modern")

	stream, err := c.Sarif(t.Context(), "55",
		hub.WithWarningFilter("active"),
		hub.WithIndent(hub.IndentPretty),
	)
	if err != nil {
		t.Fatalf("Sarif: %v", err)
	}
	defer stream.Close()

	body, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if string(body) != `{"version": "2.1.0"}` {
		t.Errorf("body = %q", body)
	}
	if gotFilter != "active" || gotIndent != "pretty" {
		t.Errorf("query: filter=%q indent=%q", gotFilter, gotIndent)
	}
}

func TestClient_SarifDifference(t *testing.T) {
	mux := http.NewServeMux()
	var gotScope, gotQuery, gotArtifacts string
	mux.HandleFunc("/warning_detail_search.sarif", func(w http.ResponseWriter, r *http.Request) {
		gotScope = r.URL.Query().Get("scope")
		gotQuery = r.URL.Query().Get("query")
		gotArtifacts = r.URL.Query().Get("artifacts")
		io.WriteString(w, "{}")
	})

	c := newTestClient(t, mux, "modern")

	stream, err := c.SarifDifference(t.Context(), "205", "204")
	if err != nil {
		t.Fatalf("SarifDifference: %v", err)
	}
	io.Copy(io.Discard, stream) //nolint:errcheck
	stream.Close()

	if gotScope != "aid:205" {
		t.Errorf("scope = %q", gotScope)
	}
	if gotQuery != "aid:205 DIFFERENCE aid:204" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotArtifacts != "0" {
		t.Errorf("artifacts = %q, want difference default 0", gotArtifacts)
	}
}

func TestClient_SarifDifferenceUnsupported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/warning_detail_search.sarif", func(w http.ResponseWriter, r *http.Request) {
		t.Error("difference request issued against a hub without SARIF search")
	})

	c := newTestClient(t, mux, legacyNotFound)

	if _, err := c.SarifDifference(t.Context(), "2", "1"); !errors.Is(err, hub.ErrSarifSearchUnsupported) {
		t.Errorf("error = %v, want ErrSarifSearchUnsupported", err)
	}
}

func TestClient_StatusErrorCarriesHubMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/project_search.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error": "grid spec rejected"}`)
	})

	c := newTestClient(t, mux, "modern")

	_, err := c.Projects(t.Context(), "")
	var serr *transport.StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if serr.HubMessage != "grid spec rejected" {
		t.Errorf("HubMessage = %q", serr.HubMessage)
	}
}

func TestClient_DownloadSarif(t *testing.T) {
	payload := `{"version": "2.1.0", "runs": []}`
	mux := http.NewServeMux()
	mux.HandleFunc("/analysis/55-allwarnings.sarif", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	})

	c := newTestClient(t, mux, "modern")

	dest := filepath.Join(t.TempDir(), "results.sarif")
	if err := c.DownloadSarif(t.Context(), "55", dest); err != nil {
		t.Fatalf("DownloadSarif: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading destination: %v", err)
	}
	if string(got) != payload {
		t.Errorf("destination = %q", got)
	}
}

func TestClient_DownloadSarifCanceled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/analysis/55-allwarnings.sarif", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		io.WriteString(w, "partial data,")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})

	c := newTestClient(t, mux, "modern")

	dir := t.TempDir()
	dest := filepath.Join(dir, "results.sarif")

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := c.DownloadSarif(ctx, "55", dest)
	if !errors.Is(err, transport.ErrCanceled) {
		t.Errorf("error = %v, want ErrCanceled even though the socket was reset", err)
	}

	if _, serr := os.Stat(dest); !errors.Is(serr, os.ErrNotExist) {
		t.Error("destination file exists after canceled download")
	}
	entries, derr := os.ReadDir(dir)
	if derr != nil {
		t.Fatalf("reading dir: %v", derr)
	}
	if len(entries) != 0 {
		t.Errorf("partial files left behind: %v", entries)
	}
}
