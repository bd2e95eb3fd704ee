package vapidkey

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(flag.NewFlagSet("vapidkey", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Subject != "mailto:support@example.com" {
		t.Fatalf("expected default subject, got %q", cfg.Subject)
	}
}

func TestRunWritesKeyPair(t *testing.T) {
	buf := &bytes.Buffer{}
	fixed := func() (string, string, error) { return "priv", "pub", nil }
	if err := Run(Config{Subject: "https://support.example"}, buf, fixed); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "TSUPPORT_VAPID_PUBLIC_KEY=pub\nTSUPPORT_VAPID_PRIVATE_KEY=priv\nTSUPPORT_VAPID_SUBJECT=https://support.example\n"
	if buf.String() != want {
		t.Fatalf("expected %q, got %q", want, buf.String())
	}
}

func TestRunDefaultGenerator(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Run(Config{Subject: "mailto:ops@example.com"}, buf, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", buf.String())
	}
	for _, line := range lines[:2] {
		_, value, ok := strings.Cut(line, "=")
		if !ok || value == "" {
			t.Fatalf("expected key value, got %q", line)
		}
	}
}

func TestRunRejects(t *testing.T) {
	fixed := func() (string, string, error) { return "priv", "pub", nil }
	if err := Run(Config{Subject: "support@example.com"}, &bytes.Buffer{}, fixed); err == nil {
		t.Fatal("expected error for bare subject")
	}
	if err := Run(Config{Subject: "mailto:a@b.c"}, nil, fixed); err == nil {
		t.Fatal("expected error for nil output")
	}
	failing := func() (string, string, error) { return "", "", errors.New("no entropy") }
	if err := Run(Config{Subject: "mailto:a@b.c"}, &bytes.Buffer{}, failing); err == nil {
		t.Fatal("expected generator error")
	}
}
