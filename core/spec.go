package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Job defaults and bounds.
const (
	DefaultPriority    = 1
	DefaultMaxAttempts = 3
	MaxPriority        = 10
	MaxAttemptsLimit   = 10
)

// JobSpec is what callers submit to Enqueue.
type JobSpec struct {
	Kind        JobKind         `json:"kind"`
	Params      json.RawMessage `json:"params"`
	Priority    *int            `json:"priority,omitempty"`
	MaxAttempts *int            `json:"max_attempts,omitempty"`
	// NotBefore delays the first run.
	NotBefore *time.Time `json:"not_before,omitempty"`
	// DedupeKey makes the enqueue idempotent per user: a second spec with
	// the same key returns the first job. Set by jobs that enqueue
	// others, never by API callers.
	DedupeKey string `json:"-"`
}

// LikeParams configures like_posts.
type LikeParams struct {
	TargetCount int `json:"target_count" validate:"min=1,max=100"`
}

// CommentParams configures comment_posts and ai_comment.
type CommentParams struct {
	TargetCount int      `json:"target_count" validate:"min=1,max=100"`
	Templates   []string `json:"templates,omitempty" validate:"omitempty,max=50,dive,min=1,max=500"`
	UseAI       bool     `json:"use_ai,omitempty"`
	Tone        string   `json:"tone,omitempty" validate:"omitempty,oneof=profissional casual especialista"`
}

// ConnectParams configures send_connections.
type ConnectParams struct {
	Keywords    string `json:"keywords" validate:"min=3,max=200"`
	TargetCount int    `json:"target_count" validate:"min=1,max=100"`
	Note        string `json:"note,omitempty" validate:"max=300"`
}

// ViewParams configures view_profiles.
type ViewParams struct {
	Keywords    string `json:"keywords" validate:"min=3,max=200"`
	TargetCount int    `json:"target_count" validate:"min=1,max=100"`
}

// FollowUpParams configures follow_up. Without ProfileURL the job scans
// accepted connections and enqueues one message job per target; with
// ProfileURL it sends Template to that member.
type FollowUpParams struct {
	DelayDays  int    `json:"delay_days" validate:"min=1,max=90"`
	Template   string `json:"template" validate:"min=1,max=500"`
	ProfileURL string `json:"profile_url,omitempty" validate:"omitempty,url,max=500"`
	Name       string `json:"name,omitempty" validate:"max=200"`
	Repeat     bool   `json:"repeat,omitempty"`
	MaxTargets int    `json:"max_targets,omitempty" validate:"min=0,max=50"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// DecodeParams strictly decodes raw into a T.
func DecodeParams[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, fmt.Errorf("%w: params required", ErrInvalidSpec)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("%w: params: %v", ErrInvalidSpec, err)
	}
	return p, nil
}

// ValidateSpec checks spec and returns its decoded params.
func ValidateSpec(spec JobSpec) (any, error) {
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, spec.Kind)
	}
	if spec.Priority != nil && (*spec.Priority < 0 || *spec.Priority > MaxPriority) {
		return nil, fmt.Errorf("%w: priority must be in 0..%d", ErrInvalidSpec, MaxPriority)
	}
	if spec.MaxAttempts != nil && (*spec.MaxAttempts < 1 || *spec.MaxAttempts > MaxAttemptsLimit) {
		return nil, fmt.Errorf("%w: max_attempts must be in 1..%d", ErrInvalidSpec, MaxAttemptsLimit)
	}

	var (
		params any
		err    error
	)
	switch spec.Kind {
	case KindLikePosts:
		params, err = decodeAndCheck[LikeParams](spec.Params)
	case KindCommentPosts, KindAIComment:
		var p CommentParams
		p, err = decodeAndCheck[CommentParams](spec.Params)
		if err == nil && spec.Kind == KindCommentPosts && !p.UseAI && len(p.Templates) == 0 {
			err = fmt.Errorf("%w: at least one template required without use_ai", ErrInvalidSpec)
		}
		params = p
	case KindSendConnections:
		params, err = decodeAndCheck[ConnectParams](spec.Params)
	case KindViewProfiles:
		params, err = decodeAndCheck[ViewParams](spec.Params)
	case KindFollowUp:
		var p FollowUpParams
		p, err = decodeAndCheck[FollowUpParams](spec.Params)
		if err == nil && p.ProfileURL != "" && !IsLinkedInURL(p.ProfileURL) {
			err = fmt.Errorf("%w: profile_url must point to linkedin.com", ErrInvalidSpec)
		}
		params = p
	}
	if err != nil {
		return nil, err
	}
	return params, nil
}

func decodeAndCheck[T any](raw json.RawMessage) (T, error) {
	p, err := DecodeParams[T](raw)
	if err != nil {
		return p, err
	}
	if err := Validator().Struct(p); err != nil {
		return p, fmt.Errorf("%w: %s", ErrInvalidSpec, describe(err))
	}
	return p, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// IsLinkedInURL reports whether raw is an https URL on linkedin.com.
func IsLinkedInURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return false
	}
	h := strings.ToLower(u.Hostname())
	return h == "linkedin.com" || strings.HasSuffix(h, ".linkedin.com")
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUser checks a user's invariants.
func ValidateUser(u *User) error {
	if err := Validator().Struct(u); err != nil {
		return fmt.Errorf("%w: user: %s", ErrInvalidSpec, describe(err))
	}
	return nil
}

// NormalizeProfileURL strips query, fragment and trailing slash from a
// LinkedIn profile URL so the same member always maps to the same key.
func NormalizeProfileURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}
