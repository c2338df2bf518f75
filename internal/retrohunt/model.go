// Package retrohunt keeps locally stored retrohunt jobs in step with the
// remote search service that runs them, and serves the read operations on
// those jobs.
package retrohunt

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/retrohunt/retrohunt/internal/hauntedhouse"
)

// Phases reported by the remote service.
const (
	PhaseFiltering = "filtering"
	PhaseYara      = "yara"
	PhaseFinished  = "finished"
)

// Roles checked by the HTTP layer.
const (
	RoleRun  = "retrohunt_run"
	RoleView = "retrohunt_view"
)

var (
	ErrNotConfigured = hauntedhouse.ErrNotConfigured
	ErrNotFound      = errors.New("not found")
	ErrAccessDenied  = errors.New("access denied")
	ErrValidation    = errors.New("validation error")
	ErrRemote        = errors.New("retrohunt service error")
)

// Summary holds every job field except the hit and error lists.
type Summary struct {
	Code           string              `json:"code"`
	Classification string              `json:"classification"`
	Creator        string              `json:"creator"`
	Description    string              `json:"description"`
	YaraSignature  string              `json:"yara_signature"`
	RawQuery       string              `json:"raw_query"`
	ArchiveOnly    bool                `json:"archive_only"`
	Created        time.Time           `json:"created"`
	Finished       bool                `json:"finished"`
	Phase          string              `json:"phase"`
	Progress       *[2]int             `json:"progress"`
	Percentage     int                 `json:"percentage"`
	TotalHits      int                 `json:"total_hits"`
	TotalErrors    int                 `json:"total_errors"`
	Truncated      bool                `json:"truncated"`
	Tags           map[string][]string `json:"tags"`
}

// Record is a stored retrohunt job.
//
// Once Finished is true the record is terminal: Hits, Errors, TotalHits,
// TotalErrors and Truncated never change again. A nil Errors means the
// remote service has not reported an error list yet.
type Record struct {
	Summary
	Hits   []string `json:"hits"`
	Errors []string `json:"errors"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	out := *r
	out.Hits = slices.Clone(r.Hits)
	out.Errors = slices.Clone(r.Errors)
	if r.Progress != nil {
		p := *r.Progress
		out.Progress = &p
	}
	if r.Tags != nil {
		out.Tags = make(map[string][]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = slices.Clone(v)
		}
	}
	return &out
}

// User is the identity a request runs as.
type User struct {
	Uname          string   `json:"uname" yaml:"uname"`
	Classification string   `json:"classification" yaml:"classification"`
	Roles          []string `json:"roles" yaml:"roles"`
}

// HasRole reports whether u was granted role.
func (u User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// CreateRequest is the payload used to start a new retrohunt job. Pointer
// fields distinguish a missing argument from its zero value.
type CreateRequest struct {
	YaraSignature  *string `json:"yara_signature"`
	ArchiveOnly    *bool   `json:"archive_only"`
	Description    *string `json:"description"`
	Classification *string `json:"classification"`
}

// Validate reports the first missing argument.
func (r *CreateRequest) Validate() error {
	switch {
	case r.YaraSignature == nil:
		return missing("yara_signature")
	case r.Description == nil:
		return missing("description")
	case r.ArchiveOnly == nil:
		return missing("archive_only")
	case r.Classification == nil:
		return missing("classification")
	case strings.TrimSpace(*r.YaraSignature) == "":
		return fmt.Errorf("%w: yara_signature must not be empty", ErrValidation)
	}
	return nil
}

func missing(arg string) error {
	return fmt.Errorf("%w: missing required argument: '%s'", ErrValidation, arg)
}
