package core

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func spec(kind JobKind, params string) JobSpec {
	return JobSpec{Kind: kind, Params: json.RawMessage(params)}
}

func TestValidateSpec_Valid(t *testing.T) {
	cases := []JobSpec{
		spec(KindLikePosts, `{"target_count":3}`),
		spec(KindCommentPosts, `{"target_count":2,"templates":["Ótima reflexão!"]}`),
		spec(KindCommentPosts, `{"target_count":2,"use_ai":true,"tone":"casual"}`),
		spec(KindAIComment, `{"target_count":1}`),
		spec(KindSendConnections, `{"keywords":"python","target_count":5,"note":"Olá!"}`),
		spec(KindViewProfiles, `{"keywords":"golang dev","target_count":10}`),
		spec(KindFollowUp, `{"delay_days":3,"template":"Obrigado por conectar, {{name}}!"}`),
		spec(KindFollowUp, `{"delay_days":3,"template":"Oi","profile_url":"https://www.linkedin.com/in/ana/"}`),
	}
	for _, c := range cases {
		if _, err := ValidateSpec(c); err != nil {
			t.Fatalf("ValidateSpec(%s %s): %v", c.Kind, c.Params, err)
		}
	}
}

func TestValidateSpec_Invalid(t *testing.T) {
	long := strings.Repeat("a", 501)
	cases := []JobSpec{
		spec("dance", `{}`),
		spec(KindLikePosts, `{"target_count":0}`),
		spec(KindLikePosts, `{"target_count":101}`),
		spec(KindLikePosts, `{"target_count":1,"extra":true}`),
		spec(KindLikePosts, ``),
		spec(KindCommentPosts, `{"target_count":1}`),
		spec(KindCommentPosts, `{"target_count":1,"templates":["`+long+`"]}`),
		spec(KindCommentPosts, `{"target_count":1,"use_ai":true,"tone":"rude"}`),
		spec(KindSendConnections, `{"keywords":"py","target_count":1}`),
		spec(KindSendConnections, `{"keywords":"python","target_count":1,"note":"`+strings.Repeat("n", 301)+`"}`),
		spec(KindViewProfiles, `{"keywords":"`+strings.Repeat("k", 201)+`","target_count":1}`),
		spec(KindFollowUp, `{"delay_days":0,"template":"x"}`),
		spec(KindFollowUp, `{"delay_days":2,"template":"x","profile_url":"https://evil.example/in/x"}`),
	}
	for _, c := range cases {
		_, err := ValidateSpec(c)
		if err == nil {
			t.Fatalf("ValidateSpec(%s %s): expected error", c.Kind, c.Params)
		}
		if !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("error %v does not wrap ErrInvalidSpec", err)
		}
		if KindOf(err) != ErrInvalidSpecKind {
			t.Fatalf("KindOf = %q", KindOf(err))
		}
	}
}

func TestValidateSpec_PriorityBounds(t *testing.T) {
	p := 11
	s := spec(KindLikePosts, `{"target_count":1}`)
	s.Priority = &p
	if _, err := ValidateSpec(s); err == nil {
		t.Fatal("expected priority error")
	}
	m := 0
	s.Priority = nil
	s.MaxAttempts = &m
	if _, err := ValidateSpec(s); err == nil {
		t.Fatal("expected max_attempts error")
	}
}

func TestValidateSpec_RuneLength(t *testing.T) {
	// 500 multi-byte runes is within the limit.
	tpl := strings.Repeat("é", 500)
	if _, err := ValidateSpec(spec(KindCommentPosts, `{"target_count":1,"templates":["`+tpl+`"]}`)); err != nil {
		t.Fatalf("500 runes rejected: %v", err)
	}
}

func TestValidateUser(t *testing.T) {
	u := &User{ID: "usr_1", Email: "ana@example.com"}
	if err := ValidateUser(u); err != nil {
		t.Fatal(err)
	}
	u.Email = "not-an-email"
	if err := ValidateUser(u); err == nil {
		t.Fatal("expected invalid email error")
	}
	u.Email = "ana@example.com"
	u.DailyLimits.Like = -1
	if err := ValidateUser(u); err == nil {
		t.Fatal("expected negative limit error")
	}
}

func TestKindOf(t *testing.T) {
	err := E(ErrDomDrift, "like", errors.New("selector gone"))
	wrapped := errors.Join(errors.New("ctx"), err)
	if KindOf(wrapped) != ErrDomDrift {
		t.Fatalf("KindOf wrapped = %q", KindOf(wrapped))
	}
	if KindOf(errors.New("boom")) != ErrInternal {
		t.Fatal("unknown errors must be internal")
	}
	if KindOf(nil) != "" {
		t.Fatal("nil has no kind")
	}
	if !ErrAuthLost.Retriable() || ErrChallengeRequired.Retriable() {
		t.Fatal("retriable table wrong")
	}
}

func TestJobKind_Action(t *testing.T) {
	if KindAIComment.Action() != ActionComment {
		t.Fatal("ai_comment must count as comment")
	}
	c := Counters{Likes: 2, Comments: 1}
	if c.Get(ActionLike) != 2 || c.Get(ActionScan) != 0 {
		t.Fatal("Counters.Get")
	}
}
