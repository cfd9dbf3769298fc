package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRotator struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRotator) Rotate(context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, f.err
}

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) Sweep() int {
	f.calls.Add(1)
	return 1
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"@hourly", false},
		{"@every 1m", false},
		{"*/5 * * * *", false},
		{"0 3 * * 1-5", false},
		{"* * * * * *", true},
		{"every minute", true},
		{"", true},
	}
	for _, tt := range tests {
		if err := ValidateSchedule(tt.spec); (err != nil) != tt.wantErr {
			t.Errorf("ValidateSchedule(%q) = %v, wantErr %v", tt.spec, err, tt.wantErr)
		}
	}
}

func TestScheduler_AddMaintenance(t *testing.T) {
	t.Parallel()
	s := New(time.Second, nil)
	r, sw := &fakeRotator{}, &fakeSweeper{}

	if err := s.AddMaintenance(DefaultConfig(), r, sw, nil); err != nil {
		t.Fatalf("AddMaintenance: %v", err)
	}
	got := s.Jobs()
	if len(got) != 2 || got[0] != JobRotateHistory || got[1] != JobSweepApprovals {
		t.Errorf("Jobs = %v", got)
	}

	if !s.RunNow(JobRotateHistory) || r.calls.Load() != 1 {
		t.Errorf("rotate calls = %d", r.calls.Load())
	}
	if !s.RunNow(JobSweepApprovals) || sw.calls.Load() != 1 {
		t.Errorf("sweep calls = %d", sw.calls.Load())
	}
	if s.RunNow("unknown") {
		t.Error("RunNow of an unknown job ran")
	}

	if err := s.Add(Job{Name: JobRotateHistory, Schedule: "@daily", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("duplicate Add succeeded")
	}
}

func TestScheduler_DisabledAndInvalid(t *testing.T) {
	t.Parallel()
	s := New(time.Second, nil)

	if err := s.AddMaintenance(Config{Sweep: "@every 1m"}, &fakeRotator{}, nil, nil); err != nil {
		t.Fatalf("AddMaintenance: %v", err)
	}
	if got := s.Jobs(); len(got) != 0 {
		t.Errorf("Jobs = %v, want none", got)
	}

	if err := s.AddMaintenance(Config{Rotate: "sometimes"}, &fakeRotator{}, nil, nil); err == nil {
		t.Error("invalid schedule accepted")
	}
}

func TestScheduler_JobErrorsAreLogged(t *testing.T) {
	t.Parallel()
	s := New(time.Second, nil)
	r := &fakeRotator{err: errors.New("disk full")}
	if err := s.AddMaintenance(DefaultConfig(), r, nil, nil); err != nil {
		t.Fatal(err)
	}
	if !s.RunNow(JobRotateHistory) {
		t.Error("failing job did not run")
	}
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	t.Parallel()
	s := New(time.Second, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	err := s.Add(Job{Name: "slow", Schedule: "@daily", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan bool)
	go func() { done <- s.RunNow("slow") }()
	<-started
	if s.RunNow("slow") {
		t.Error("overlapping run was not skipped")
	}
	close(release)
	if !<-done {
		t.Error("first run reported as skipped")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()
	s := New(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Stop()
}
