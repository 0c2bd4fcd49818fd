package guardrails

import (
	"context"
	"testing"
	"time"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/errors"
	"github.com/otto-voice/otto/pkg/registry"
)

func TestClassifyBlocklistWinsOverMetadata(t *testing.T) {
	g := New(WithBlocklist("rm -rf", "format_disk"))

	spec := registry.Spec{Name: "format_disk", Sensitivity: core.SensitivityNone}
	if got := g.Classify(spec, nil); got != core.SensitivityBlocked {
		t.Fatalf("expected blocked for blocklisted name, got %q", got)
	}

	spec = registry.Spec{Name: "shell_exec", Sensitivity: core.SensitivityConfirm}
	params := map[string]any{"command": "rm -rf /"}
	if got := g.Classify(spec, params); got != core.SensitivityBlocked {
		t.Fatalf("expected blocked for blocklisted parameter, got %q", got)
	}
}

func TestClassifyPassesToolMetadata(t *testing.T) {
	g := New(WithBlocklist("rm -rf"))

	cases := []struct {
		sensitivity core.Sensitivity
		want        core.Sensitivity
	}{
		{core.SensitivityNone, core.SensitivityNone},
		{core.SensitivityConfirm, core.SensitivityConfirm},
		{core.SensitivityBlocked, core.SensitivityBlocked},
		{"", core.SensitivityNone},
	}
	for _, tc := range cases {
		spec := registry.Spec{Name: "send_email", Sensitivity: tc.sensitivity}
		if got := g.Classify(spec, map[string]any{"to": "sam@example.com"}); got != tc.want {
			t.Fatalf("sensitivity %q: got %q, want %q", tc.sensitivity, got, tc.want)
		}
	}
}

func TestRateLimitWindowRolls(t *testing.T) {
	limiter := NewRateLimiterWindow(2, time.Minute)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	g := New(WithRateLimiter(limiter))

	if err := g.CheckRateLimit("s1"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := g.CheckRateLimit("s1"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if err := g.CheckRateLimit("s1"); !errors.HasCode(err, errors.CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}

	// Other sessions have their own budget.
	if err := g.CheckRateLimit("s2"); err != nil {
		t.Fatalf("other session: %v", err)
	}

	// Roll the window: the budget frees up again.
	now = now.Add(61 * time.Second)
	if err := g.CheckRateLimit("s1"); err != nil {
		t.Fatalf("after window roll: %v", err)
	}
}

func TestAwaitRateLimitWaitsOutSpentWindow(t *testing.T) {
	window := 40 * time.Millisecond
	g := New(WithRateLimiter(NewRateLimiterWindow(1, window)))

	if err := g.AwaitRateLimit(context.Background(), "s1"); err != nil {
		t.Fatalf("first slot: %v", err)
	}

	// The window is spent: the second acquire must block until it rolls,
	// then succeed without an error.
	started := time.Now()
	if err := g.AwaitRateLimit(context.Background(), "s1"); err != nil {
		t.Fatalf("second slot: %v", err)
	}
	if elapsed := time.Since(started); elapsed < window-10*time.Millisecond {
		t.Fatalf("expected to wait for the window, returned after %v", elapsed)
	}
}

func TestAwaitRateLimitCancelledContext(t *testing.T) {
	g := New(WithRateLimiter(NewRateLimiterWindow(1, time.Hour)))
	if err := g.AwaitRateLimit(context.Background(), "s1"); err != nil {
		t.Fatalf("first slot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := g.AwaitRateLimit(ctx, "s1"); !errors.HasCode(err, errors.CodeContextLost) {
		t.Fatalf("expected CONTEXT_LOST on cancellation, got %v", err)
	}
}

func TestFindForStep(t *testing.T) {
	ctx := context.Background()
	g := New()

	created, err := g.RequestConfirmation(ctx, "s1", "plan-1", "step-2", "send_email", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	found, err := g.FindForStep(ctx, "plan-1", "step-2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ID != created.ID {
		t.Fatalf("expected handle %q, got %+v", created.ID, found)
	}

	missing, err := g.FindForStep(ctx, "plan-1", "step-9")
	if err != nil {
		t.Fatalf("find missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown step, got %+v", missing)
	}
}

func TestConfirmationApproveFlow(t *testing.T) {
	ctx := context.Background()
	g := New()

	record, err := g.RequestConfirmation(ctx, "s1", "plan-1", "step-1", "send_email", map[string]any{"to": "sam@example.com"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if record.Status != ConfirmationPending {
		t.Fatalf("expected pending, got %q", record.Status)
	}

	type awaitResult struct {
		resolution Resolution
		err        error
	}
	resultCh := make(chan awaitResult, 1)
	go func() {
		resolution, err := g.Await(ctx, record.ID)
		resultCh <- awaitResult{resolution, err}
	}()

	// Give the waiter a moment to register, then approve.
	time.Sleep(10 * time.Millisecond)
	if err := g.Resolve(ctx, record.ID, true, "user said yes"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	result := <-resultCh
	if result.err != nil {
		t.Fatalf("await: %v", result.err)
	}
	if !result.resolution.Approved {
		t.Fatal("expected approval")
	}
}

func TestConfirmationDenyResolvesImmediatelyForLateWaiter(t *testing.T) {
	ctx := context.Background()
	g := New()

	record, err := g.RequestConfirmation(ctx, "s1", "plan-1", "step-1", "delete_file", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := g.Resolve(ctx, record.ID, false, "user said no"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// A waiter attaching after resolution (e.g. post-restart recovery) gets
	// the stored outcome without blocking.
	resolution, err := g.Await(ctx, record.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if resolution.Approved {
		t.Fatal("expected denial")
	}
	if resolution.Reason != "user said no" {
		t.Fatalf("unexpected reason: %q", resolution.Reason)
	}
}

func TestDenyPlanReleasesAllPending(t *testing.T) {
	ctx := context.Background()
	g := New()

	first, _ := g.RequestConfirmation(ctx, "s1", "plan-1", "step-1", "tool_a", nil)
	second, _ := g.RequestConfirmation(ctx, "s1", "plan-1", "step-2", "tool_b", nil)
	other, _ := g.RequestConfirmation(ctx, "s2", "plan-2", "step-1", "tool_c", nil)

	if err := g.DenyPlan(ctx, "plan-1", "plan cancelled"); err != nil {
		t.Fatalf("deny plan: %v", err)
	}

	for _, id := range []string{first.ID, second.ID} {
		record, err := g.Store().Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if record.Status != ConfirmationDenied {
			t.Fatalf("expected denied, got %q", record.Status)
		}
	}

	record, _ := g.Store().Get(ctx, other.ID)
	if record.Status != ConfirmationPending {
		t.Fatalf("expected other plan untouched, got %q", record.Status)
	}
}

func TestRequestConfirmationStampsTTL(t *testing.T) {
	ctx := context.Background()
	g := New(WithConfirmationTTL(10 * time.Minute))

	before := time.Now()
	record, err := g.RequestConfirmation(ctx, "s1", "plan-1", "step-1", "send_email", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if record.ExpiresAt.Before(before.Add(9 * time.Minute)) {
		t.Fatalf("expected expiry ~10m out, got %v", record.ExpiresAt)
	}

	// Without a TTL, handles never expire on their own.
	g = New()
	record, err = g.RequestConfirmation(ctx, "s1", "plan-1", "step-1", "send_email", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !record.ExpiresAt.IsZero() {
		t.Fatalf("expected zero expiry, got %v", record.ExpiresAt)
	}
}

func TestSweeperExpiresStaleConfirmations(t *testing.T) {
	ctx := context.Background()
	g := New()

	stale := Confirmation{
		SessionID: "s1",
		PlanID:    "plan-1",
		StepID:    "step-1",
		Tool:      "send_email",
		Params:    "{}",
		ExpiresAt: time.Now().Add(-time.Minute).UTC(),
	}
	record, err := g.Store().Create(ctx, stale)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh, _ := g.RequestConfirmation(ctx, "s1", "plan-1", "step-2", "tool_b", nil)

	sweeper := NewSweeper(g, time.Minute)
	expired, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired, got %d", expired)
	}

	got, _ := g.Store().Get(ctx, record.ID)
	if got.Status != ConfirmationDenied || got.Reason != "confirmation expired" {
		t.Fatalf("expected expired denial, got %+v", got)
	}
	untouched, _ := g.Store().Get(ctx, fresh.ID)
	if untouched.Status != ConfirmationPending {
		t.Fatalf("expected unexpired handle untouched, got %q", untouched.Status)
	}
}
