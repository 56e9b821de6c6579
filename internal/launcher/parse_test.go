package launcher

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jedarden/forge/internal/protocol"
)

func strPtr(s string) *string { return &s }

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ParsedOutput
		wantErr bool
	}{
		{
			name: "clean json",
			raw:  `{"pid": 12345, "session": "forge-glm-1", "model": "glm", "message": "ok"}`,
			want: ParsedOutput{Output: protocol.LauncherOutput{PID: 12345, Session: "forge-glm-1", Model: "glm", Message: "ok"}},
		},
		{
			name: "noise before json",
			raw:  "Starting...\n{\"pid\":54321,\"session\":\"forge-w1\"}\n",
			want: ParsedOutput{Output: protocol.LauncherOutput{PID: 54321, Session: "forge-w1"}},
		},
		{
			name: "noise around json",
			raw:  "boot\n{\"pid\":1,\"session\":\"s\"}\ndone\n",
			want: ParsedOutput{Output: protocol.LauncherOutput{PID: 1, Session: "s"}},
		},
		{
			name: "error field",
			raw:  `{"pid": 0, "session": "", "error": "no key"}`,
			want: ParsedOutput{Output: protocol.LauncherOutput{Error: strPtr("no key")}},
		},
		{
			name: "bare session name",
			raw:  "  forge-w1\n",
			want: ParsedOutput{Output: protocol.LauncherOutput{Session: "forge-w1"}, BareSession: true},
		},
		{name: "empty", raw: "   \n", wantErr: true},
		{name: "prose", raw: "something went wrong", wantErr: true},
		{name: "broken json", raw: "{not json}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOutput(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				if !errors.Is(err, ErrMalformedOutput) {
					t.Fatalf("expected ErrMalformedOutput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOutput: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("ParseOutput mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLaunchConfigIsImmutable(t *testing.T) {
	base := NewLaunchConfig("/bin/launch", "w1", "/ws", "glm").WithEnv("A", "1")
	derived := base.WithTier(TierBudget).WithEnv("B", "2").WithTimeout(time.Second).WithBead("bd-1", "T")

	if base.Tier() != TierStandard || base.Timeout() != DefaultSpawnTimeout || base.BeadID() != "" {
		t.Fatalf("base changed: tier=%s timeout=%s bead=%q", base.Tier(), base.Timeout(), base.BeadID())
	}
	if diff := cmp.Diff([]EnvVar{{Key: "A", Value: "1"}}, base.Env()); diff != "" {
		t.Fatalf("base env (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]EnvVar{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}}, derived.Env()); diff != "" {
		t.Fatalf("derived env (-want +got):\n%s", diff)
	}
	if derived.Timeout() != time.Second || derived.Tier() != TierBudget {
		t.Fatalf("derived: tier=%s timeout=%s", derived.Tier(), derived.Timeout())
	}
	if got := derived.WithTimeout(0).Timeout(); got != time.Second {
		t.Fatalf("WithTimeout(0) = %s, want unchanged", got)
	}

	env := derived.Env()
	env[0].Value = "mutated"
	if derived.Env()[0].Value != "1" {
		t.Fatal("Env returned shared storage")
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := error(&Error{Kind: KindTimeout, Op: "spawn", WorkerID: "w1", Err: errors.New("slow")})
	if !errors.Is(err, ErrTimeout) {
		t.Fatal("expected ErrTimeout match")
	}
	if errors.Is(err, ErrExecution) {
		t.Fatal("unexpected ErrExecution match")
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Fatal("KindOf plain error should be 0")
	}

	wrapped := &Error{Kind: KindNotFound, Op: "stop", WorkerID: "w9", Err: ErrWorkerNotFound}
	if !errors.Is(wrapped, ErrWorkerNotFound) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if got, want := wrapped.Error(), "stop worker w9: not_found: worker not found"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestParseTierAndStatus(t *testing.T) {
	for in, want := range map[string]Tier{"": TierStandard, "PREMIUM": TierPremium, " budget ": TierBudget} {
		got, err := ParseTier(in)
		if err != nil || got != want {
			t.Fatalf("ParseTier(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseTier("gold"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
	if _, err := ParseStatus("zombie"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	for _, s := range []WorkerStatus{StatusStarting, StatusActive, StatusIdle} {
		if !s.IsHealthy() {
			t.Fatalf("%s should be healthy", s)
		}
	}
	for _, s := range []WorkerStatus{StatusStopped, StatusFailed, StatusError} {
		if s.IsHealthy() {
			t.Fatalf("%s should not be healthy", s)
		}
	}
}
