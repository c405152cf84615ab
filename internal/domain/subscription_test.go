package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Plan_Paid(t *testing.T) {
	assert.False(t, PlanFree.Paid())
	assert.True(t, PlanMonthly.Paid())
	assert.True(t, PlanAnnual.Paid())
	assert.True(t, PlanPremium.Paid())
	assert.False(t, Plan("enterprise").Paid(), "unknown plans are never paid")
}

func Test_Subscription_EffectiveActive(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{
			name: "active paid subscription",
			sub:  Subscription{Plan: PlanMonthly, Status: StatusActive, IsActive: true},
			want: true,
		},
		{
			name: "scheduled cancellation still inside period",
			sub: Subscription{
				Plan:            PlanMonthly,
				Status:          StatusCanceled,
				CancelationType: CancelEndOfPeriod,
				IsActive:        true,
				EndDate:         &future,
			},
			want: true,
		},
		{
			name: "scheduled cancellation past its end date",
			sub: Subscription{
				Plan:            PlanMonthly,
				Status:          StatusCanceled,
				CancelationType: CancelEndOfPeriod,
				IsActive:        true,
				EndDate:         &past,
			},
			want: false,
		},
		{
			name: "immediate cancellation revokes access even with future end date",
			sub: Subscription{
				Plan:            PlanMonthly,
				Status:          StatusCanceled,
				CancelationType: CancelImmediate,
				IsActive:        true,
				EndDate:         &future,
			},
			want: false,
		},
		{
			name: "inactive record",
			sub:  Subscription{Plan: PlanMonthly, Status: StatusActive, IsActive: false},
			want: false,
		},
		{
			name: "end date exactly now is expired",
			sub: Subscription{
				Plan:     PlanMonthly,
				Status:   StatusActive,
				IsActive: true,
				EndDate:  &now,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.EffectiveActive(now))
		})
	}
}

func Test_Subscription_DesiredRole(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	var nilSub *Subscription
	assert.Equal(t, RoleUser, nilSub.DesiredRole(now), "missing record means base role")

	active := &Subscription{Plan: PlanPremium, Status: StatusActive, IsActive: true}
	assert.Equal(t, RolePremium, active.DesiredRole(now))

	free := &Subscription{Plan: PlanFree, Status: StatusActive, IsActive: true}
	assert.Equal(t, RoleUser, free.DesiredRole(now), "free plan never grants premium")

	lapsed := &Subscription{
		Plan:            PlanMonthly,
		Status:          StatusCanceled,
		CancelationType: CancelEndOfPeriod,
		IsActive:        true,
		EndDate:         &past,
	}
	assert.Equal(t, RoleUser, lapsed.DesiredRole(now))
}

func Test_Subscription_ScheduledForCancellation(t *testing.T) {
	scheduled := Subscription{
		Status:          StatusCanceled,
		CancelationType: CancelEndOfPeriod,
		IsActive:        true,
	}
	assert.True(t, scheduled.ScheduledForCancellation())

	immediate := Subscription{
		Status:          StatusCanceled,
		CancelationType: CancelImmediate,
		IsActive:        false,
	}
	assert.False(t, immediate.ScheduledForCancellation())

	lapsed := scheduled
	lapsed.IsActive = false
	assert.False(t, lapsed.ScheduledForCancellation(), "a lapsed record is no longer pending")

	active := Subscription{Status: StatusActive, CancelationType: CancelNone, IsActive: true}
	assert.False(t, active.ScheduledForCancellation())
}
