package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// maxSafeID is the largest integer a double-precision float represents
// exactly. Record identifiers are modeled as strings end to end because
// they may exceed it in transit; a JSON number beyond it has already lost
// precision and must be rejected rather than silently truncated.
const maxSafeID = 1<<53 - 1

// ErrUnsafeID reports a numeric record identifier outside the exactly
// representable range.
var ErrUnsafeID = errors.New("record id exceeds the safe integer range")

// Project is one row of a hub project search.
type Project struct {
	ID   string
	Name string
	Path string
}

// Analysis is one row of a hub analysis listing.
type Analysis struct {
	ID   string
	Name string
}

// normalizeID converts a decoded record identifier to its canonical string
// form. Strings pass through unchanged; JSON numbers are accepted only
// within the safe integer range.
func normalizeID(v any) (string, error) {
	switch id := v.(type) {
	case string:
		return id, nil
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrUnsafeID, id.String())
		}
		if n > maxSafeID || n < -maxSafeID {
			return "", fmt.Errorf("%w: %s", ErrUnsafeID, id.String())
		}
		return id.String(), nil
	case nil:
		return "", errors.New("record id is missing")
	default:
		return "", fmt.Errorf("record id has unexpected type %T", v)
	}
}

// legacyAnalysisURL extracts the analysis id from a legacy row's URL
// fragment: legacy analysis rows carry no id field, only a link of the
// form "/analysis/<digits>.json".
var legacyAnalysisURL = regexp.MustCompile(`/analysis/(\d+)\.json`)

func analysisIDFromURL(u string) (string, error) {
	m := legacyAnalysisURL.FindStringSubmatch(u)
	if m == nil {
		return "", fmt.Errorf("analysis row url %q has no analysis id", u)
	}

	return m[1], nil
}

type projectRow struct {
	ProjectID any    `json:"projectId"`
	LegacyID  any    `json:"project_id"`
	Project   string `json:"project"`
	Path      string `json:"path"`
}

func (r projectRow) record() (Project, error) {
	raw := r.ProjectID
	if raw == nil {
		raw = r.LegacyID
	}

	id, err := normalizeID(raw)
	if err != nil {
		return Project{}, err
	}

	return Project{ID: id, Name: r.Project, Path: r.Path}, nil
}

type analysisRow struct {
	AnalysisID any    `json:"analysisId"`
	URL        string `json:"url"`
	Analysis   string `json:"analysis"`
}

func (r analysisRow) record() (Analysis, error) {
	if r.AnalysisID == nil {
		id, err := analysisIDFromURL(r.URL)
		if err != nil {
			return Analysis{}, err
		}

		return Analysis{ID: id, Name: r.Analysis}, nil
	}

	id, err := normalizeID(r.AnalysisID)
	if err != nil {
		return Analysis{}, err
	}

	return Analysis{ID: id, Name: r.Analysis}, nil
}
