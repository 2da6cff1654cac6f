package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCause(t *testing.T) {
	sentinel := errors.New("flow not found")
	err := Wrap(CodeFlowNotFound, sentinel, map[string]any{"flow_id": "f-1"})

	if !errors.Is(err, sentinel) {
		t.Fatal("wrapped cause lost")
	}
	if CodeOf(err) != CodeFlowNotFound {
		t.Fatalf("code = %s", CodeOf(err))
	}
	if !Is(err, CodeFlowNotFound) {
		t.Fatal("Is failed on direct error")
	}

	// Codes survive further wrapping with %w.
	outer := fmt.Errorf("handling request: %w", err)
	if !Is(outer, CodeFlowNotFound) {
		t.Fatal("Is failed through fmt wrapping")
	}
	if !errors.Is(outer, sentinel) {
		t.Fatal("sentinel lost through fmt wrapping")
	}
}

func TestCodeOfForeignError(t *testing.T) {
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("foreign error must have no code")
	}
	if Is(errors.New("plain"), CodeFlowNotFound) {
		t.Fatal("foreign error matched a code")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeFlowNotFound, http.StatusNotFound},
		{CodeFlowVersionNotFound, http.StatusNotFound},
		{CodeFlowRunNotFound, http.StatusNotFound},
		{CodePieceNotFound, http.StatusBadRequest},
		{CodeJobRemovalFailure, http.StatusBadRequest},
		{CodeArtifactBuildFailure, http.StatusBadRequest},
		{CodeInvalidBearerToken, http.StatusUnauthorized},
		{CodeEngineInvocationFailure, http.StatusInternalServerError},
		{CodeSandboxPoolExhausted, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			if got := HTTPStatus(New(tc.code, "", nil)); got != tc.want {
				t.Fatalf("status = %d, want %d", got, tc.want)
			}
		})
	}

	if got := HTTPStatus(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("foreign error status = %d", got)
	}
}
