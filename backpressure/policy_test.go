package backpressure

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fieldSet(errs []FieldError) map[string]bool {
	m := make(map[string]bool, len(errs))
	for _, e := range errs {
		m[e.Field] = true
	}
	return m
}

func TestValidateAcceptsDefault(t *testing.T) {
	if errs := Validate(Default()); len(errs) != 0 {
		t.Fatalf("default policy must validate, got %v", errs)
	}
}

func TestValidateStrategy(t *testing.T) {
	p := Default()
	p.Strategy = "explode"
	errs := Validate(p)
	if !fieldSet(errs)["strategy"] {
		t.Fatalf("unknown strategy must be rejected, got %v", errs)
	}

	p.Strategy = ""
	if !fieldSet(Validate(p))["strategy"] {
		t.Fatal("empty strategy must be rejected")
	}

	p.Strategy = StrategyClose
	if !fieldSet(Validate(p))["strategy"] {
		t.Fatal("close must be rejected as a policy strategy")
	}
}

func TestValidateWatermarks(t *testing.T) {
	p := Default()
	p.Watermarks = Watermarks{Low: 800, High: 800}
	if !fieldSet(Validate(p))["watermarks.low"] {
		t.Fatal("low >= high must be rejected")
	}

	p.Watermarks = Watermarks{Low: -1, High: 0}
	fs := fieldSet(Validate(p))
	if !fs["watermarks.low"] || !fs["watermarks.high"] {
		t.Fatalf("non-positive watermarks must be rejected, got %v", Validate(p))
	}

	p = Default()
	p.Watermarks.High = p.Limits.MaxMessages + 1
	if !fieldSet(Validate(p))["watermarks.high"] {
		t.Fatal("high > maxMessages must be rejected")
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	p := Policy{Strategy: "nope", Watermarks: Watermarks{Low: 0, High: 0}, Limits: Limits{MaxMessages: 0, MaxBytes: -1}}
	if got := len(Validate(p)); got < 4 {
		t.Fatalf("expected every violation reported, got %d: %v", got, Validate(p))
	}
}

func TestValidateSampling(t *testing.T) {
	p := Default()
	p.Strategy = StrategySample
	if !fieldSet(Validate(p))["sampling"] {
		t.Fatal("sample without sampling block must be rejected")
	}

	p.Sampling = &Sampling{Rate: 1.5}
	if !fieldSet(Validate(p))["sampling.rate"] {
		t.Fatal("out-of-range rate must be rejected")
	}

	p.Sampling.Rate = 0.25
	if errs := Validate(p); len(errs) != 0 {
		t.Fatalf("valid sampling policy rejected: %v", errs)
	}

	q := Default()
	q.Sampling = &Sampling{Rate: 0.5}
	if !fieldSet(Validate(q))["sampling"] {
		t.Fatal("sampling block with non-sample strategy must be rejected")
	}
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	doc := strings.Join([]string{
		"strategy: drop-newest",
		"watermarks:",
		"  low: 10",
		"  high: 40",
		"limits:",
		"  maxMessages: 50",
	}, "\n")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if p.Strategy != StrategyDropNewest || p.Watermarks.High != 40 || p.Limits.MaxMessages != 50 {
		t.Fatalf("unexpected policy: %+v", p)
	}
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	doc := `{"strategy":"drop-oldest","watermarks":{"low":1,"high":2},"limits":{"maxMessages":3}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if p.Strategy != StrategyDropOldest || p.Limits.MaxMessages != 3 {
		t.Fatalf("unexpected policy: %+v", p)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("strategy: bogus\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("invalid policy must not load")
	}
}

func TestReloaderKeepsLastGoodPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	good := "strategy: drop-oldest\nwatermarks:\n  low: 5\n  high: 10\nlimits:\n  maxMessages: 20\n"
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, err := NewReloader(ctx, path, slog.Default())
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}

	changed := make(chan Policy, 4)
	r.OnChange(func(p Policy) { changed <- p })

	// A broken rewrite must not displace the running policy.
	if err := os.WriteFile(path, []byte("strategy: bogus\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := r.Current(); got.Strategy != StrategyDropOldest {
		t.Fatalf("invalid rewrite displaced policy: %+v", got)
	}

	next := "strategy: drop-newest\nwatermarks:\n  low: 2\n  high: 4\nlimits:\n  maxMessages: 8\n"
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-changed:
			if p.Strategy == StrategyDropNewest {
				if got := r.Current(); got.Strategy != StrategyDropNewest {
					t.Fatalf("Current out of sync: %+v", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for policy reload")
		}
	}
}
