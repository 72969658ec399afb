// ABOUTME: Unit tests for the request-scoped token context
// ABOUTME: Tests propagation helpers and token redaction

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestTokenFromContext_Present(t *testing.T) {
	ctx := WithToken(context.Background(), "ya29.secret")

	token, ok := TokenFromContext(ctx)
	if !ok {
		t.Fatal("TokenFromContext() ok = false, want true")
	}
	if token.Value() != "ya29.secret" {
		t.Errorf("Value() = %q, want %q", token.Value(), "ya29.secret")
	}
}

func TestTokenFromContext_Missing(t *testing.T) {
	if _, ok := TokenFromContext(context.Background()); ok {
		t.Error("TokenFromContext() ok = true on empty context")
	}
	if _, ok := TokenFromContext(WithToken(context.Background(), "")); ok {
		t.Error("TokenFromContext() ok = true for empty token")
	}
}

func TestMustTokenFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustTokenFromContext() did not panic")
		}
	}()
	MustTokenFromContext(context.Background())
}

func TestToken_Redacted(t *testing.T) {
	token := Token("ya29.secret")

	if s := fmt.Sprintf("%v %s %#v", token, token, token); strings.Contains(s, "secret") {
		t.Errorf("formatted token leaked value: %s", s)
	}

	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("request", "token", token)
	if strings.Contains(buf.String(), "secret") {
		t.Errorf("logged token leaked value: %s", buf.String())
	}
}
