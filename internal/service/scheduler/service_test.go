package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/loyalty-ledger/internal/config"
	"github.com/aimd54/loyalty-ledger/internal/service/churn"
	"github.com/aimd54/loyalty-ledger/internal/service/rollover"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
	"github.com/aimd54/loyalty-ledger/test/mocks"
)

type fakeRoller struct {
	result *rollover.Result
	err    error
	calls  int
}

func (f *fakeRoller) CheckAndSnapshot(_ context.Context) (*rollover.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeAtRisk struct {
	clients []churn.AtRiskClient
	err     error
}

func (f *fakeAtRisk) ListAtRisk(_ context.Context) ([]churn.AtRiskClient, error) {
	return f.clients, f.err
}

func TestBuildCronExpression(t *testing.T) {
	tests := []struct {
		name         string
		time         string
		skipWeekends bool
		want         string
		wantErr      bool
	}{
		{
			name:         "daily at 9am",
			time:         "09:00",
			skipWeekends: false,
			want:         "0 9 * * *",
			wantErr:      false,
		},
		{
			name:         "weekdays at 9am",
			time:         "09:00",
			skipWeekends: true,
			want:         "0 9 * * 1-5",
			wantErr:      false,
		},
		{
			name:         "daily at 14:30",
			time:         "14:30",
			skipWeekends: false,
			want:         "30 14 * * *",
			wantErr:      false,
		},
		{
			name:         "invalid format no colon",
			time:         "0900",
			skipWeekends: false,
			want:         "",
			wantErr:      true,
		},
		{
			name:         "invalid hour",
			time:         "25:00",
			skipWeekends: false,
			want:         "",
			wantErr:      true,
		},
		{
			name:         "invalid minute",
			time:         "09:60",
			skipWeekends: false,
			want:         "",
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Scheduler: config.SchedulerConfig{
					DigestTime:   tt.time,
					SkipWeekends: tt.skipWeekends,
				},
			}

			s := &Service{config: cfg}

			got, err := s.buildCronExpression()

			if (err != nil) != tt.wantErr {
				t.Errorf("buildCronExpression() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if got != tt.want {
				t.Errorf("buildCronExpression() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildWinnerLines(t *testing.T) {
	winners := []rollover.Winner{
		{Rank: 1, UserID: "a", FullName: "Ana", Points: 120},
		{Rank: 2, UserID: "b", FullName: "Ben", Points: 80},
	}

	lines := buildWinnerLines(winners)

	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if lines[0].Rank != 1 || lines[0].FullName != "Ana" || lines[0].Points != 120 {
		t.Errorf("Unexpected first line: %+v", lines[0])
	}
}

func TestBuildAtRiskLines(t *testing.T) {
	tests := []struct {
		name     string
		clients  []churn.AtRiskClient
		wantName string
	}{
		{
			name:     "named client",
			clients:  []churn.AtRiskClient{{UserID: "1", FullName: "Ana", LastVisitDays: 30}},
			wantName: "Ana",
		},
		{
			name:     "unnamed client",
			clients:  []churn.AtRiskClient{{UserID: "2", LastVisitDays: 45}},
			wantName: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := buildAtRiskLines(tt.clients)
			if len(lines) != 1 {
				t.Fatalf("Expected 1 line, got %d", len(lines))
			}
			if lines[0].FullName != tt.wantName {
				t.Errorf("FullName = %q, want %q", lines[0].FullName, tt.wantName)
			}
			if lines[0].LastVisitDays != tt.clients[0].LastVisitDays {
				t.Errorf("LastVisitDays = %d, want %d", lines[0].LastVisitDays, tt.clients[0].LastVisitDays)
			}
		})
	}
}

func TestRunRollover(t *testing.T) {
	performed := &rollover.Result{
		Month:   "2024-03",
		Status:  rollover.StatusPerformed,
		Winners: []rollover.Winner{{Rank: 1, FullName: "Ana", Points: 50}},
	}
	skipped := &rollover.Result{Month: "2024-03", Status: rollover.StatusAlreadyDone}

	tests := []struct {
		name          string
		roller        *fakeRoller
		wantAnnounced int
	}{
		{"performed rollover is announced", &fakeRoller{result: performed}, 1},
		{"skipped rollover is silent", &fakeRoller{result: skipped}, 0},
		{"failed rollover is silent", &fakeRoller{err: errors.New("db down")}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &mocks.MockNotifier{}
			s := NewService(&config.Config{}, tt.roller, nil, notifier, logger.Nop())

			s.runRollover(context.Background())

			if tt.roller.calls != 1 {
				t.Errorf("Expected 1 rollover call, got %d", tt.roller.calls)
			}
			if len(notifier.Winners) != tt.wantAnnounced {
				t.Errorf("Expected %d announcements, got %d", tt.wantAnnounced, len(notifier.Winners))
			}
		})
	}
}

func TestRunAtRiskDigest(t *testing.T) {
	notifier := &mocks.MockNotifier{}
	lister := &fakeAtRisk{clients: []churn.AtRiskClient{
		{UserID: "1", FullName: "Ana", LastVisitDays: 40},
		{UserID: "2", FullName: "Ben", LastVisitDays: 22},
	}}
	s := NewService(&config.Config{}, &fakeRoller{}, lister, notifier, logger.Nop())

	s.runAtRiskDigest(context.Background())

	if len(notifier.Digests) != 1 {
		t.Fatalf("Expected 1 digest, got %d", len(notifier.Digests))
	}
	if len(notifier.Digests[0]) != 2 {
		t.Errorf("Expected 2 clients in digest, got %d", len(notifier.Digests[0]))
	}

	// Nothing to report sends nothing.
	lister.clients = nil
	s.runAtRiskDigest(context.Background())
	if len(notifier.Digests) != 1 {
		t.Errorf("Expected no new digest, got %d", len(notifier.Digests))
	}
}

func TestStart(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.SchedulerConfig
		wantErr bool
	}{
		{
			name:    "disabled",
			cfg:     config.SchedulerConfig{Enabled: false},
			wantErr: false,
		},
		{
			name:    "valid schedules",
			cfg:     config.SchedulerConfig{Enabled: true, RolloverCron: "5 0 1 * *", DigestTime: "09:00", Timezone: "UTC"},
			wantErr: false,
		},
		{
			name:    "invalid rollover cron",
			cfg:     config.SchedulerConfig{Enabled: true, RolloverCron: "not a cron", Timezone: "UTC"},
			wantErr: true,
		},
		{
			name:    "invalid digest time",
			cfg:     config.SchedulerConfig{Enabled: true, RolloverCron: "5 0 1 * *", DigestTime: "9am", Timezone: "UTC"},
			wantErr: true,
		},
		{
			name:    "invalid timezone",
			cfg:     config.SchedulerConfig{Enabled: true, RolloverCron: "5 0 1 * *", Timezone: "Mars/Olympus"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(&config.Config{Scheduler: tt.cfg}, &fakeRoller{}, &fakeAtRisk{}, nil, logger.Nop())

			err := s.Start(context.Background())
			defer s.Stop()

			if (err != nil) != tt.wantErr {
				t.Errorf("Start() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRolloverSpec_FollowsLoyaltyTimezone(t *testing.T) {
	cfg := &config.Config{
		Loyalty:   config.LoyaltyConfig{Timezone: "America/New_York"},
		Scheduler: config.SchedulerConfig{Enabled: true, RolloverCron: "5 0 1 * *", Timezone: "UTC"},
	}
	s := NewService(cfg, &fakeRoller{}, nil, nil, logger.Nop())

	spec, err := s.rolloverSpec()
	require.NoError(t, err)
	assert.Equal(t, "CRON_TZ=America/New_York 5 0 1 * *", spec)

	schedule, err := cron.ParseStandard(spec)
	require.NoError(t, err)

	// 1 October 00:05 in New York (EDT) is 04:05 UTC, not 00:05 UTC.
	next := schedule.Next(time.Date(2024, 9, 30, 23, 0, 0, 0, time.UTC))
	assert.True(t, next.Equal(time.Date(2024, 10, 1, 4, 5, 0, 0, time.UTC)), "next run %s", next.UTC())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := entries[0].Next.In(loc)
	assert.Equal(t, 1, local.Day())
	assert.Equal(t, 0, local.Hour())
	assert.Equal(t, 5, local.Minute())
}

func TestRolloverSpec(t *testing.T) {
	tests := []struct {
		name     string
		cron     string
		timezone string
		want     string
		wantErr  bool
	}{
		{name: "default zone", cron: "5 0 1 * *", want: "CRON_TZ=UTC 5 0 1 * *"},
		{name: "named zone", cron: " 0 0 1 * * ", timezone: "Europe/Paris", want: "CRON_TZ=Europe/Paris 0 0 1 * *"},
		{name: "explicit zone kept", cron: "CRON_TZ=Asia/Tokyo 0 0 1 * *", timezone: "Europe/Paris", want: "CRON_TZ=Asia/Tokyo 0 0 1 * *"},
		{name: "invalid zone", cron: "5 0 1 * *", timezone: "Mars/Olympus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Loyalty:   config.LoyaltyConfig{Timezone: tt.timezone},
				Scheduler: config.SchedulerConfig{RolloverCron: tt.cron},
			}
			got, err := NewService(cfg, &fakeRoller{}, nil, nil, logger.Nop()).rolloverSpec()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
