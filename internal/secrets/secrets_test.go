package secrets

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestEnvResolver(t *testing.T) {
	t.Setenv("PERSONAGW_TEST_KEY", "sk-123")
	r := NewEnvResolver()

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr string
	}{
		{"set", "env(PERSONAGW_TEST_KEY)", "sk-123", ""},
		{"padded name", "env( PERSONAGW_TEST_KEY )", "sk-123", ""},
		{"unset", "env(PERSONAGW_TEST_UNSET)", "", "not set"},
		{"wrong prefix", "vault(x)", "", "unsupported secret reference format"},
		{"unclosed", "env(", "", "unsupported secret reference format"},
		{"empty name", "env()", "", "empty variable name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.ref)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Resolve(%q) error = %v, want %q", tt.ref, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) returned error: %v", tt.ref, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestExpand(t *testing.T) {
	t.Setenv("PERSONAGW_TEST_DSN", "postgres://u:pw@db/x")
	f := NewRedactFilter(slog.NewTextHandler(&bytes.Buffer{}, nil))

	dsn := "env(PERSONAGW_TEST_DSN)"
	plain := "http://localhost:8000/v1"
	if err := Expand(context.Background(), NewEnvResolver(), f, map[string]*string{
		"dsn":      &dsn,
		"base_url": &plain,
	}); err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if dsn != "postgres://u:pw@db/x" {
		t.Errorf("dsn = %q", dsn)
	}
	if plain != "http://localhost:8000/v1" {
		t.Errorf("plain value changed: %q", plain)
	}
	if got := f.RedactString("dsn=postgres://u:pw@db/x"); strings.Contains(got, "pw@db") {
		t.Errorf("resolved value not registered: %q", got)
	}

	missing := "env(PERSONAGW_TEST_UNSET)"
	err := Expand(context.Background(), NewEnvResolver(), nil, map[string]*string{"api_key": &missing})
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error = %v, want mention of api_key", err)
	}
}

func newTestLogger(buf *bytes.Buffer) (*slog.Logger, *RedactFilter) {
	inner := slog.NewTextHandler(buf, &slog.HandlerOptions{
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
	f := NewRedactFilter(inner)
	return slog.New(f), f
}

func TestRedactFilterHandle(t *testing.T) {
	var buf bytes.Buffer
	logger, f := newTestLogger(&buf)
	f.AddSecret("sk-live")
	f.AddSecret("")

	logger.Info("using sk-live",
		"key", "sk-live",
		"err", errors.New("401 for sk-live"),
		slog.Group("engine", "api_key", "sk-live"),
	)
	logger.With("token", "sk-live").Info("child")

	out := buf.String()
	if strings.Contains(out, "sk-live") {
		t.Errorf("secret leaked: %s", out)
	}
	if strings.Count(out, Placeholder) < 5 {
		t.Errorf("expected every occurrence redacted: %s", out)
	}
}

func TestRedactFilterChildrenShareSecrets(t *testing.T) {
	var buf bytes.Buffer
	_, f := newTestLogger(&buf)
	child := f.WithGroup("g").(*RedactFilter)

	f.AddSecret("added-later")
	if got := child.RedactString("x added-later"); got != "x "+Placeholder {
		t.Errorf("child RedactString = %q", got)
	}
}

func TestRedactFilterConcurrent(t *testing.T) {
	var buf bytes.Buffer
	logger, f := newTestLogger(&buf)

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				f.AddSecret("s" + string(rune('a'+i%26)))
			} else {
				logger.Info("tick", "n", i)
			}
		}()
	}
	wg.Wait()
}

func TestRedactString(t *testing.T) {
	f := NewRedactFilter(slog.NewTextHandler(&bytes.Buffer{}, nil))
	f.AddSecret("secret-a")
	f.AddSecret("secret-b")
	f.AddSecret("")

	tests := []struct {
		in, want string
	}{
		{"values: secret-a and secret-b", "values: " + Placeholder + " and " + Placeholder},
		{"nothing here", "nothing here"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := f.RedactString(tt.in); got != tt.want {
			t.Errorf("RedactString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
